// Package antigaming implements cross-submission fraud detection that no
// single-miner tier check can see on its own: duplicate listings shared
// across unrelated miners, anomalous listing patterns, and the
// synthetic-submission flag those feed back into tier-2 scoring.
package antigaming

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// Thresholds bundles the configurable anti-gaming limits.
type Thresholds struct {
	// CrossMinerDuplicateShare is the fraction of reporting miners (for one
	// zipcode) that must share an identical listing fingerprint before it
	// is flagged as a duplicate-ring listing.
	CrossMinerDuplicateShare float64
	// AnomalyRateThreshold is the fraction of a miner's own listings that
	// may trip an anomaly check before the whole submission is flagged
	// synthetic.
	AnomalyRateThreshold float64
	// PriceZScoreThreshold marks a listing anomalous when its price
	// deviates from the zipcode's submitted mean by more than this many
	// standard deviations.
	PriceZScoreThreshold float64
}

// Fingerprint returns a stable 16-byte identity for a listing, used to
// detect byte-identical listings submitted by otherwise-unrelated miners.
// It purposefully ignores scrape-time metadata (ScrapedTimestamp, SourceID)
// so the same real listing scraped independently by two honest miners
// still fingerprints identically; that is expected and not itself
// evidence of collusion.
func Fingerprint(l epoch.Listing) [16]byte {
	h := blake3.New()
	fmt.Fprintf(h, "%s|%s|%d|%.2f|%.2f|%s", l.Address, l.Zipcode, l.Price, l.Bedrooms, l.Bathrooms, l.ListingDate.UTC().Format(time.RFC3339))
	sum := h.Sum(nil)
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// CrossMinerDuplicate names one listing fingerprint shared across an
// unexpectedly large share of a zipcode's reporting miners.
type CrossMinerDuplicate struct {
	Fingerprint [16]byte
	MinerIDs    []string
	Share       float64
}

// DetectCrossMinerDuplicates scans every miner's submission for one
// zipcode and reports fingerprints shared by at least the configured
// share of reporting miners. A hit for a given miner's listing should
// feed back into that miner's duplicate_rate for tier 2.
func DetectCrossMinerDuplicates(submissions map[string]epoch.MinerSubmission, zipcode string, th Thresholds) []CrossMinerDuplicate {
	totalMiners := len(submissions)
	if totalMiners == 0 {
		return nil
	}

	minersByFingerprint := map[[16]byte]map[string]struct{}{}
	for minerID, sub := range submissions {
		seen := map[[16]byte]bool{}
		for _, l := range sub.ListingsByZip[zipcode] {
			fp := Fingerprint(l)
			if seen[fp] {
				continue
			}
			seen[fp] = true
			if minersByFingerprint[fp] == nil {
				minersByFingerprint[fp] = map[string]struct{}{}
			}
			minersByFingerprint[fp][minerID] = struct{}{}
		}
	}

	threshold := int(math.Ceil(th.CrossMinerDuplicateShare * float64(totalMiners)))
	if threshold < 1 {
		threshold = 1
	}

	var out []CrossMinerDuplicate
	for fp, miners := range minersByFingerprint {
		if len(miners) < threshold {
			continue
		}
		ids := make([]string, 0, len(miners))
		for id := range miners {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, CrossMinerDuplicate{
			Fingerprint: fp,
			MinerIDs:    ids,
			Share:       float64(len(miners)) / float64(totalMiners),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Share > out[j].Share
	})
	return out
}

// AnomalyReport summarizes the anomalous listings found in one submission
// across three independent patterns, and whether the submission as a whole
// should be flagged synthetic.
type AnomalyReport struct {
	TotalListings int

	OutOfBoundsCount  int
	OutOfBoundsRate   float64
	FutureDatedCount  int
	FutureDatedRate   float64
	PriceOutlierCount int
	PriceOutlierRate  float64

	// AnomalousCount/AnomalousRate are the union of listings tripping any
	// one of the three patterns, reported for visibility; they do not by
	// themselves decide SyntheticFlagged.
	AnomalousCount int
	AnomalousRate  float64

	SyntheticFlagged bool
}

// DetectAnomalies independently evaluates three synthetic-data patterns —
// coordinates outside the plausible US bounding box, a listing dated after
// its own scrape time, and a price more than PriceZScoreThreshold standard
// deviations from the zipcode's mean price in this submission — and flags
// the submission synthetic only when at least two of the three patterns
// individually exceed AnomalyRateThreshold. A single pattern spiking alone
// (e.g. one batch of late-arriving but otherwise genuine listings) is not
// by itself evidence of fabrication.
func DetectAnomalies(listings []epoch.Listing, th Thresholds) AnomalyReport {
	n := len(listings)
	if n == 0 {
		return AnomalyReport{}
	}

	mean, stddev := priceMeanStdDev(listings)

	var outOfBounds, futureDated, priceOutlier, anomalous int
	for _, l := range listings {
		isOutOfBounds := !epoch.USBoundingBox.Contains(l.Latitude, l.Longitude)
		isFutureDated := l.ListingDate.After(l.ScrapedTimestamp)
		isPriceOutlier := stddev > 0 && math.Abs(float64(l.Price)-mean)/stddev > th.PriceZScoreThreshold

		if isOutOfBounds {
			outOfBounds++
		}
		if isFutureDated {
			futureDated++
		}
		if isPriceOutlier {
			priceOutlier++
		}
		if isOutOfBounds || isFutureDated || isPriceOutlier {
			anomalous++
		}
	}

	outOfBoundsRate := float64(outOfBounds) / float64(n)
	futureDatedRate := float64(futureDated) / float64(n)
	priceOutlierRate := float64(priceOutlier) / float64(n)

	patternsTripped := 0
	if outOfBoundsRate > th.AnomalyRateThreshold {
		patternsTripped++
	}
	if futureDatedRate > th.AnomalyRateThreshold {
		patternsTripped++
	}
	if priceOutlierRate > th.AnomalyRateThreshold {
		patternsTripped++
	}

	return AnomalyReport{
		TotalListings:     n,
		OutOfBoundsCount:  outOfBounds,
		OutOfBoundsRate:   outOfBoundsRate,
		FutureDatedCount:  futureDated,
		FutureDatedRate:   futureDatedRate,
		PriceOutlierCount: priceOutlier,
		PriceOutlierRate:  priceOutlierRate,
		AnomalousCount:    anomalous,
		AnomalousRate:     float64(anomalous) / float64(n),
		SyntheticFlagged:  patternsTripped >= 2,
	}
}

func priceMeanStdDev(listings []epoch.Listing) (mean, stddev float64) {
	n := float64(len(listings))
	if n == 0 {
		return 0, 0
	}

	var sum float64
	for _, l := range listings {
		sum += float64(l.Price)
	}
	mean = sum / n

	var variance float64
	for _, l := range listings {
		d := float64(l.Price) - mean
		variance += d * d
	}
	variance /= n

	return mean, math.Sqrt(variance)
}
