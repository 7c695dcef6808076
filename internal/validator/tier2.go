package validator

import (
	"time"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// Tier2Thresholds bundles the configurable quality thresholds for tier 2.
type Tier2Thresholds struct {
	FieldCompleteness float64
	ReasonableValues  float64
	DataConsistency   float64
	MaxDuplicateRate  float64
}

// RunTier2 checks quality: field completeness, value reasonableness, data
// consistency, and duplicate rate. Pure function of (listings, assignment,
// epoch window, thresholds) — no wall-clock reads.
func RunTier2(listings []epoch.Listing, assignmentZipcode string, windowStart, windowEnd time.Time, th Tier2Thresholds) epoch.Tier2Result {
	n := len(listings)
	if n == 0 {
		return epoch.Tier2Result{Passes: false}
	}

	completeCount := 0
	reasonableCount := 0
	consistentCount := 0

	widenedStart := windowStart.Add(-24 * time.Hour)
	widenedEnd := windowEnd.Add(24 * time.Hour)

	for _, l := range listings {
		if hasAllRequiredFields(l) {
			completeCount++
		}
		if hasReasonableValues(l) {
			reasonableCount++
		}
		if isConsistent(l, assignmentZipcode, widenedStart, widenedEnd) {
			consistentCount++
		}
	}

	completeness := float64(completeCount) / float64(n)
	reasonable := float64(reasonableCount) / float64(n)
	consistency := float64(consistentCount) / float64(n)
	dupRate := duplicateRate(listings)

	passes := completeness >= th.FieldCompleteness &&
		reasonable >= th.ReasonableValues &&
		consistency >= th.DataConsistency &&
		dupRate <= th.MaxDuplicateRate

	return epoch.Tier2Result{
		Passes:            passes,
		FieldCompleteness: completeness,
		ReasonableValues:  reasonable,
		DataConsistency:   consistency,
		DuplicateRate:     dupRate,
	}
}

func hasAllRequiredFields(l epoch.Listing) bool {
	return l.URI != "" &&
		l.Zipcode != "" &&
		l.Address != "" &&
		l.Price != 0 &&
		l.HomeType != "" &&
		l.HomeStatus != "" &&
		!l.ListingDate.IsZero() &&
		!l.ScrapedTimestamp.IsZero() &&
		l.SourceID != ""
	// LivingArea is optional.
}

func hasReasonableValues(l epoch.Listing) bool {
	if l.Price < 1e3 || l.Price > 1e8 {
		return false
	}
	if l.Bedrooms < 0 || l.Bedrooms > 20 {
		return false
	}
	if l.Bathrooms < 0 || l.Bathrooms > 20 {
		return false
	}
	if l.LivingArea != 0 && (l.LivingArea < 50 || l.LivingArea > 1e5) {
		return false
	}
	if !epoch.USBoundingBox.Contains(l.Latitude, l.Longitude) {
		return false
	}
	return true
}

func isConsistent(l epoch.Listing, assignmentZipcode string, widenedStart, widenedEnd time.Time) bool {
	if l.ListingDate.IsZero() || l.ScrapedTimestamp.IsZero() {
		return false
	}
	if l.ScrapedTimestamp.Before(widenedStart) || l.ScrapedTimestamp.After(widenedEnd) {
		return false
	}
	if l.Zipcode != assignmentZipcode {
		return false
	}
	return true
}

// duplicateRate defines duplicates as identical uri OR identical
// (address, price) within one miner's submission for one zipcode.
func duplicateRate(listings []epoch.Listing) float64 {
	if len(listings) == 0 {
		return 0
	}

	seenURI := map[string]int{}
	type key struct {
		addr  string
		price int64
	}
	addrPriceCount := map[key]int{}

	for _, l := range listings {
		seenURI[l.URI]++
		k := key{addr: l.Address, price: l.Price}
		addrPriceCount[k]++
	}

	dupCount := 0
	for _, l := range listings {
		isDup := false
		if seenURI[l.URI] > 1 {
			isDup = true
		}
		if addrPriceCount[key{addr: l.Address, price: l.Price}] > 1 {
			isDup = true
		}
		if isDup {
			dupCount++
		}
	}

	return float64(dupCount) / float64(len(listings))
}
