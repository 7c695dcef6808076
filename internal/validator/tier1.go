package validator

import (
	"time"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// RunTier1 checks quantity and records timeliness: only the listing count
// decides Passes, and submittedAt is carried into the result. It is a pure
// function of (listings, expected, submittedAt, tolerance) — no wall-clock
// reads, no side effects. submittedAt is sourced from storage metadata by
// the caller, never self-reported.
func RunTier1(listings []epoch.Listing, expected int, submittedAt time.Time, quantityTolerance float64) epoch.Tier1Result {
	lo := int(float64(expected) * (1 - quantityTolerance))
	hi := int(float64(expected) * (1 + quantityTolerance))

	n := len(listings)
	passes := n >= lo && n <= hi

	return epoch.Tier1Result{
		Passes:          passes,
		ActualCount:     n,
		ExpectedRangeLo: lo,
		ExpectedRangeHi: hi,
		SubmittedAt:     submittedAt,
	}
}
