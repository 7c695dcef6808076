package scraper

import (
	"context"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// Fake is a deterministic, in-memory Interface implementation used by
// tests across the module: it answers Scrape from a fixed listing set and
// Verify by looking up the same set, so tier-3 re-runs are stable without a
// live scraping backend.
type Fake struct {
	ByZipcode map[string][]epoch.Listing
	ByURI     map[string]epoch.Listing
	// MissingURIs simulates listings that no longer verify (Exists: false).
	MissingURIs map[string]bool
}

// NewFake builds a Fake from a flat listing set, indexing by zipcode and URI.
func NewFake(listings []epoch.Listing) *Fake {
	f := &Fake{
		ByZipcode:   map[string][]epoch.Listing{},
		ByURI:       map[string]epoch.Listing{},
		MissingURIs: map[string]bool{},
	}
	for _, l := range listings {
		f.ByZipcode[l.Zipcode] = append(f.ByZipcode[l.Zipcode], l)
		f.ByURI[l.URI] = l
	}
	return f
}

func (f *Fake) Scrape(_ context.Context, zipcode string, targetCount int, _ time.Time) ([]epoch.Listing, error) {
	all := f.ByZipcode[zipcode]
	if targetCount > 0 && targetCount < len(all) {
		return all[:targetCount], nil
	}
	return all, nil
}

func (f *Fake) Verify(_ context.Context, listing epoch.Listing) (VerifyResult, error) {
	if f.MissingURIs[listing.URI] {
		return VerifyResult{Exists: false}, nil
	}

	canonical, ok := f.ByURI[listing.URI]
	if !ok {
		return VerifyResult{Exists: false}, nil
	}

	matched := map[string]bool{
		"address":   canonical.Address == listing.Address,
		"price":     canonical.Price == listing.Price,
		"bedrooms":  canonical.Bedrooms == listing.Bedrooms,
		"bathrooms": canonical.Bathrooms == listing.Bathrooms,
		"zipcode":   canonical.Zipcode == listing.Zipcode,
	}
	return VerifyResult{Exists: true, MatchedFields: matched}, nil
}
