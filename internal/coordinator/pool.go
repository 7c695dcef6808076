package coordinator

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// poolEntry is the on-disk shape of one eligible-pool record.
type poolEntry struct {
	Zipcode          string           `json:"zipcode"`
	ExpectedListings int              `json:"expected_listings"`
	MarketTier       epoch.MarketTier `json:"market_tier"`
	Honeypot         bool             `json:"honeypot"`
}

// LoadPoolFile reads the eligible zipcode pool from a JSON file, splitting
// entries into the published pool and the honeypot pool by their
// "honeypot" flag.
func LoadPoolFile(path string) (pool, honeypotPool []ZipcodeCandidate, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: read pool file %s: %w", path, err)
	}

	var entries []poolEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil, fmt.Errorf("coordinator: parse pool file %s: %w", path, err)
	}

	for _, e := range entries {
		candidate := ZipcodeCandidate{
			Zipcode:          e.Zipcode,
			ExpectedListings: e.ExpectedListings,
			MarketTier:       e.MarketTier,
		}
		if e.Honeypot {
			honeypotPool = append(honeypotPool, candidate)
		} else {
			pool = append(pool, candidate)
		}
	}

	if len(pool) == 0 {
		return nil, nil, fmt.Errorf("coordinator: pool file %s has no non-honeypot entries", path)
	}

	return pool, honeypotPool, nil
}
