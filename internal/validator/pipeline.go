package validator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
	"github.com/zipcode-subnet/validator-core/internal/scraper"
)

// Params bundles every threshold the three-tier pipeline needs, sourced
// from configuration.
type Params struct {
	QuantityTolerance float64
	Tier2             Tier2Thresholds
	Tier3             Tier3Params
}

// Evaluate runs the full three-tier pipeline against one miner submission
// for one zipcode assignment, short-circuiting on the first tier that
// fails — a tier-1 failure never triggers a tier-2 completeness scan, and
// neither tier-1 nor tier-2 failure ever triggers a scraper call. A
// honeypot hit voids the result outright regardless of tier outcome.
func Evaluate(
	ctx context.Context,
	sc scraper.Interface,
	cache *VerifyCache,
	epochID string,
	nonce []byte,
	assignment epoch.ZipcodeAssignment,
	submission epoch.MinerSubmission,
	windowStart, windowEnd time.Time,
	params Params,
) (epoch.TierResult, error) {
	// Sorted lexicographically by uri so tier-3's seeded sample is a
	// function of (nonce, miner_id, submitted_at, listing_count) only, not
	// of whatever order the miner uploaded or the object store returned.
	listings := append([]epoch.Listing(nil), submission.ListingsByZip[assignment.Zipcode]...)
	sort.Slice(listings, func(i, j int) bool { return listings[i].URI < listings[j].URI })

	result := epoch.TierResult{
		MinerID: submission.MinerID,
		Zipcode: assignment.Zipcode,
	}

	if assignment.IsHoneypot {
		// Any submission at all for a honeypot zipcode voids it — a miner
		// should never have been assigned this zipcode's listings to begin
		// with, since honeypots are withheld from the published assignment.
		result.HoneypotTriggered = len(listings) > 0
	}

	result.Tier1 = RunTier1(listings, assignment.ExpectedListings, submission.SubmittedAt, params.QuantityTolerance)
	if !result.Tier1.Passes {
		return result, nil
	}

	result.Tier2 = RunTier2(listings, assignment.Zipcode, windowStart, windowEnd, params.Tier2)
	if !result.Tier2.Passes {
		return result, nil
	}

	seed := Tier3Seed(nonce, submission.MinerID, CanonicalTimestamp(submission.SubmittedAt), len(listings))
	tier3, err := RunTier3(ctx, sc, cache, epochID, listings, seed, params.Tier3)
	if err != nil {
		return epoch.TierResult{}, fmt.Errorf("evaluate %s/%s: %w", submission.MinerID, assignment.Zipcode, err)
	}
	result.Tier3 = tier3

	return result, nil
}

// CanonicalTimestamp renders a time.Time as the fixed-format string used
// wherever the tier-3 seed or consensus hash needs a byte-stable timestamp
// representation: UTC, RFC3339 with nanosecond precision.
func CanonicalTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
