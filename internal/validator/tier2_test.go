package validator

import (
	"testing"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

func validListing(uri, address string, price int64) epoch.Listing {
	now := time.Now()
	return epoch.Listing{
		URI:              uri,
		Zipcode:          "19103",
		Address:          address,
		Price:            price,
		Bedrooms:         3,
		Bathrooms:        2,
		LivingArea:       1500,
		HomeType:         "single_family",
		HomeStatus:       "for_sale",
		ListingDate:      now.Add(-time.Hour),
		ScrapedTimestamp: now,
		Latitude:         39.95,
		Longitude:        -75.16,
		SourceID:         "zillow",
	}
}

func defaultTier2Thresholds() Tier2Thresholds {
	return Tier2Thresholds{
		FieldCompleteness: 0.90,
		ReasonableValues:  0.95,
		DataConsistency:   0.90,
		MaxDuplicateRate:  0.05,
	}
}

func TestRunTier2AllGood(t *testing.T) {
	now := time.Now()
	listings := []epoch.Listing{
		validListing("uri-1", "1 Main St", 500000),
		validListing("uri-2", "2 Main St", 600000),
		validListing("uri-3", "3 Main St", 700000),
	}
	result := RunTier2(listings, "19103", now.Add(-2*time.Hour), now.Add(2*time.Hour), defaultTier2Thresholds())
	if !result.Passes {
		t.Fatalf("expected pass, got %+v", result)
	}
	if result.FieldCompleteness != 1.0 {
		t.Errorf("FieldCompleteness = %v, want 1.0", result.FieldCompleteness)
	}
}

func TestRunTier2EmptyFails(t *testing.T) {
	now := time.Now()
	result := RunTier2(nil, "19103", now, now, defaultTier2Thresholds())
	if result.Passes {
		t.Fatal("empty listing set must not pass")
	}
}

func TestRunTier2MissingFields(t *testing.T) {
	now := time.Now()
	incomplete := validListing("uri-1", "1 Main St", 500000)
	incomplete.Address = ""
	listings := []epoch.Listing{
		incomplete,
		validListing("uri-2", "2 Main St", 600000),
	}
	result := RunTier2(listings, "19103", now.Add(-time.Hour), now.Add(time.Hour), defaultTier2Thresholds())
	if result.FieldCompleteness != 0.5 {
		t.Errorf("FieldCompleteness = %v, want 0.5", result.FieldCompleteness)
	}
	if result.Passes {
		t.Fatal("50%% completeness must fail a 90%% threshold")
	}
}

func TestRunTier2UnreasonableValues(t *testing.T) {
	now := time.Now()
	bad := validListing("uri-1", "1 Main St", 1)
	listings := []epoch.Listing{bad, validListing("uri-2", "2 Main St", 600000)}
	result := RunTier2(listings, "19103", now.Add(-time.Hour), now.Add(time.Hour), defaultTier2Thresholds())
	if result.ReasonableValues != 0.5 {
		t.Errorf("ReasonableValues = %v, want 0.5", result.ReasonableValues)
	}
}

func TestRunTier2OutOfWindow(t *testing.T) {
	now := time.Now()
	stale := validListing("uri-1", "1 Main St", 500000)
	stale.ScrapedTimestamp = now.Add(-72 * time.Hour)
	listings := []epoch.Listing{stale, validListing("uri-2", "2 Main St", 600000)}
	result := RunTier2(listings, "19103", now.Add(-time.Hour), now.Add(time.Hour), defaultTier2Thresholds())
	if result.DataConsistency != 0.5 {
		t.Errorf("DataConsistency = %v, want 0.5", result.DataConsistency)
	}
}

func TestRunTier2ZipcodeMismatch(t *testing.T) {
	now := time.Now()
	wrong := validListing("uri-1", "1 Main St", 500000)
	wrong.Zipcode = "10001"
	listings := []epoch.Listing{wrong, validListing("uri-2", "2 Main St", 600000)}
	result := RunTier2(listings, "19103", now.Add(-time.Hour), now.Add(time.Hour), defaultTier2Thresholds())
	if result.DataConsistency != 0.5 {
		t.Errorf("DataConsistency = %v, want 0.5", result.DataConsistency)
	}
}

func TestRunTier2Duplicates(t *testing.T) {
	now := time.Now()
	listings := []epoch.Listing{
		validListing("uri-1", "1 Main St", 500000),
		validListing("uri-1", "1 Main St", 500000),
		validListing("uri-2", "2 Main St", 600000),
		validListing("uri-3", "3 Main St", 700000),
	}
	result := RunTier2(listings, "19103", now.Add(-time.Hour), now.Add(time.Hour), defaultTier2Thresholds())
	if result.DuplicateRate != 0.5 {
		t.Errorf("DuplicateRate = %v, want 0.5", result.DuplicateRate)
	}
	if result.Passes {
		t.Fatal("50%% duplicate rate must fail a 5%% threshold")
	}
}

func TestRunTier2AddressPriceDuplicate(t *testing.T) {
	now := time.Now()
	listings := []epoch.Listing{
		validListing("uri-1", "1 Main St", 500000),
		validListing("uri-2", "1 Main St", 500000),
	}
	result := RunTier2(listings, "19103", now.Add(-time.Hour), now.Add(time.Hour), defaultTier2Thresholds())
	if result.DuplicateRate != 1.0 {
		t.Errorf("DuplicateRate = %v, want 1.0 (same address+price under different uris)", result.DuplicateRate)
	}
}

func TestHasReasonableValuesBoundingBox(t *testing.T) {
	l := validListing("uri-1", "1 Main St", 500000)
	l.Latitude = 10.0
	if hasReasonableValues(l) {
		t.Fatal("latitude outside the US bounding box must fail")
	}
}
