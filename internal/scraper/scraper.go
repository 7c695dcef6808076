// Package scraper defines the external property-scraper contract
// consumed by the miner mining loop and by the validator's tier-3
// spot-check. The scraper itself ships with each miner; this package only
// specifies the interface and a deterministic test double.
package scraper

import (
	"context"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// Interface is implemented by whatever scraping backend a miner or
// validator wires in. Callers own deduplication — Scrape must not
// deduplicate across calls.
type Interface interface {
	// Scrape returns canonicalized listings for a zipcode, best-effort up to
	// targetCount, returning whatever it has if deadline is reached.
	Scrape(ctx context.Context, zipcode string, targetCount int, deadline time.Time) ([]epoch.Listing, error)

	// Verify re-fetches a single listing by URI for tier-3 cross-checking
	// and reports which canonical fields it was able to confirm.
	Verify(ctx context.Context, listing epoch.Listing) (VerifyResult, error)
}

// VerifyResult is the outcome of a tier-3 verification call.
type VerifyResult struct {
	Exists        bool
	MatchedFields map[string]bool
}

// AllCoreFieldsMatch reports whether address, price, bedrooms, bathrooms,
// and zipcode were all confirmed.
func (v VerifyResult) AllCoreFieldsMatch() bool {
	if !v.Exists {
		return false
	}
	for _, field := range []string{"address", "price", "bedrooms", "bathrooms", "zipcode"} {
		if !v.MatchedFields[field] {
			return false
		}
	}
	return true
}
