package validator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
	"github.com/zipcode-subnet/validator-core/internal/scraper"
)

// Tier3Params bundles the tunables for the deterministic spot-check. The
// tolerance fields (PriceTolerancePct, PriceToleranceAbs, AreaTolerancePct)
// are not read by RunTier3 and are not passed to the scraper: a field counts
// as confirmed only when the scraper's VerifyResult marks it matched.
type Tier3Params struct {
	MinSamples        int
	MaxSamples        int
	SampleFraction    float64
	PassRateThreshold float64
	PriceTolerancePct float64
	PriceToleranceAbs int64
	AreaTolerancePct  float64
}

// VerifyCache memoizes scraper.Verify results per (epochID, listingURI) so a
// listing spot-checked by more than one run of the pipeline — or re-checked
// across tiers of the same submission — only hits the scraper once.
type VerifyCache struct {
	entries map[string]scraper.VerifyResult
}

// NewVerifyCache constructs an empty cache.
func NewVerifyCache() *VerifyCache {
	return &VerifyCache{entries: map[string]scraper.VerifyResult{}}
}

func (c *VerifyCache) key(epochID, uri string) string {
	return epochID + "\x00" + uri
}

func (c *VerifyCache) get(epochID, uri string) (scraper.VerifyResult, bool) {
	v, ok := c.entries[c.key(epochID, uri)]
	return v, ok
}

func (c *VerifyCache) put(epochID, uri string, v scraper.VerifyResult) {
	c.entries[c.key(epochID, uri)] = v
}

// Tier3Seed computes the deterministic sampling seed shared by every
// validator evaluating the same submission: the low 64 bits (big-endian) of
// sha256(nonce || miner_id || submitted_at_canonical || listing_count).
func Tier3Seed(nonce []byte, minerID string, submittedAtCanonical string, listingCount int) uint64 {
	h := sha256.New()
	h.Write(nonce)
	h.Write([]byte(minerID))
	h.Write([]byte(submittedAtCanonical))
	h.Write([]byte(strconv.Itoa(listingCount)))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[24:32])
}

// SampleSize clamps ceil(fraction * n) into [min, max], never exceeding n.
func SampleSize(n int, fraction float64, min, max int) int {
	if n == 0 {
		return 0
	}
	k := int(math.Ceil(fraction * float64(n)))
	if k < min {
		k = min
	}
	if k > max {
		k = max
	}
	if k > n {
		k = n
	}
	return k
}

// RunTier3 performs the deterministic spot-check: it samples k listings via
// the shared PRNG contract and confirms each one against the scraper,
// passing when the verified fraction meets the configured threshold.
func RunTier3(ctx context.Context, sc scraper.Interface, cache *VerifyCache, epochID string, listings []epoch.Listing, seed uint64, params Tier3Params) (epoch.Tier3Result, error) {
	n := len(listings)
	k := SampleSize(n, params.SampleFraction, params.MinSamples, params.MaxSamples)
	if k == 0 {
		return epoch.Tier3Result{Passes: false, Seed: seed}, nil
	}

	indices := deterministicSample(seed, n, k)

	verifiedCount := 0
	for _, idx := range indices {
		listing := listings[idx]

		result, ok := cache.get(epochID, listing.URI)
		if !ok {
			var err error
			result, err = sc.Verify(ctx, listing)
			if err != nil {
				return epoch.Tier3Result{}, fmt.Errorf("tier3: verify %s: %w", listing.URI, err)
			}
			cache.put(epochID, listing.URI, result)
		}

		if listingMatches(listing, result, params) {
			verifiedCount++
		}
	}

	passRate := float64(verifiedCount) / float64(k)
	passes := passRate >= params.PassRateThreshold

	return epoch.Tier3Result{
		Passes:          passes,
		PassRate:        passRate,
		SelectedIndices: indices,
		Seed:            seed,
	}, nil
}

// listingMatches requires the listing to exist and the scraper to have
// matched address, zipcode, bedrooms, bathrooms and price. It applies no
// numeric tolerance of its own and does not check living area.
func listingMatches(listing epoch.Listing, result scraper.VerifyResult, params Tier3Params) bool {
	if !result.Exists {
		return false
	}
	if !result.MatchedFields["address"] || !result.MatchedFields["zipcode"] {
		return false
	}
	if !result.MatchedFields["bedrooms"] || !result.MatchedFields["bathrooms"] {
		return false
	}
	if !result.MatchedFields["price"] {
		return false
	}
	return true
}
