// Package epoch defines the core data model shared by every stage of the
// zipcode-mining pipeline: the epoch and its assignments, canonical listing
// records, per-tier validation results, and the aggregated epoch outcome.
package epoch

import "time"

// BoundingBox is a latitude/longitude rectangle used to sanity-check that a
// listing's coordinates fall somewhere plausible.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Contains reports whether (lat, lon) falls inside the box, inclusive.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// USBoundingBox is the continental + Alaska/Hawaii bounding box shared by
// every coordinate-reasonableness check in the pipeline, from tier-2 value
// checks to cross-submission anti-gaming detection.
var USBoundingBox = BoundingBox{MinLat: 18.0, MaxLat: 72.0, MinLon: -180.0, MaxLon: -65.0}

// Status is the lifecycle state of an Epoch.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusClosed    Status = "closed"
	StatusValidated Status = "validated"
	StatusFinalized Status = "finalized"
	StatusAborted   Status = "aborted"
)

// MarketTier classifies a zipcode's real-estate market segment.
type MarketTier string

const (
	MarketPremium  MarketTier = "premium"
	MarketStandard MarketTier = "standard"
	MarketEmerging MarketTier = "emerging"
)

// ZipcodeAssignment is one zipcode handed out within an epoch.
type ZipcodeAssignment struct {
	Zipcode          string     `json:"zipcode"`
	ExpectedListings int        `json:"expected_listings"`
	IsHoneypot       bool       `json:"is_honeypot"`
	MarketTier       MarketTier `json:"market_tier"`
}

// Epoch is the fixed 4-hour window during which one set of zipcode
// assignments is active. ID is the canonical timestamp of the start
// boundary, aligned to the 4-hour UTC grid.
type Epoch struct {
	ID             string              `json:"epoch_id"`
	StartAt        time.Time           `json:"start_at"`
	EndAt          time.Time           `json:"end_at"`
	Status         Status              `json:"status"`
	TargetListings int                 `json:"target_listings"`
	TolerancePct   float64             `json:"tolerance_pct"`
	Nonce          []byte              `json:"nonce"`
	Zipcodes       []ZipcodeAssignment `json:"zipcodes"`
}

// NonceHex returns the epoch nonce as a lowercase hex string.
func (e *Epoch) NonceHex() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(e.Nonce)*2)
	for i, b := range e.Nonce {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// Listing is the canonical, normalized real-estate record every miner
// submission is reduced to before validation.
type Listing struct {
	URI              string    `json:"uri"`
	Zipcode          string    `json:"zipcode"`
	Address          string    `json:"address"`
	Price            int64     `json:"price"`
	Bedrooms         int       `json:"bedrooms"`
	Bathrooms        float64   `json:"bathrooms"`
	LivingArea       int       `json:"living_area,omitempty"`
	HomeType         string    `json:"home_type"`
	HomeStatus       string    `json:"home_status"`
	ListingDate      time.Time `json:"listing_date"`
	ScrapedTimestamp time.Time `json:"scraped_timestamp"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	SourceID         string    `json:"source_id"`
}

// MinerSubmission is one miner's full upload for one epoch.
type MinerSubmission struct {
	MinerID          string                 `json:"miner_id"`
	EpochID          string                 `json:"epoch_id"`
	SubmittedAt      time.Time              `json:"submitted_at"`
	ListingsByZip    map[string][]Listing   `json:"listings_by_zipcode"`
	Sealed           bool                   `json:"sealed"`
}

// Tier1Result is the quantity/timeliness validation outcome.
type Tier1Result struct {
	Passes          bool      `json:"passes"`
	ActualCount     int       `json:"actual_count"`
	ExpectedRangeLo int       `json:"expected_range_lo"`
	ExpectedRangeHi int       `json:"expected_range_hi"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Tier2Result is the quality validation outcome.
type Tier2Result struct {
	Passes            bool    `json:"passes"`
	FieldCompleteness float64 `json:"field_completeness"`
	ReasonableValues  float64 `json:"reasonable_values"`
	DataConsistency   float64 `json:"data_consistency"`
	DuplicateRate     float64 `json:"duplicate_rate"`
	SyntheticFlagged  bool    `json:"synthetic_flagged"`
}

// Tier3Result is the deterministic spot-check outcome.
type Tier3Result struct {
	Passes          bool    `json:"passes"`
	PassRate        float64 `json:"pass_rate"`
	SelectedIndices []int   `json:"selected_indices"`
	Seed            uint64  `json:"seed"`
}

// TierResult is the full three-tier validation outcome for one
// (miner, zipcode) pair within an epoch.
type TierResult struct {
	MinerID string      `json:"miner_id"`
	Zipcode string      `json:"zipcode"`
	Tier1   Tier1Result `json:"tier1"`
	Tier2   Tier2Result `json:"tier2"`
	Tier3   Tier3Result `json:"tier3"`

	// HoneypotTriggered voids the entire submission regardless of tier outcome.
	HoneypotTriggered bool `json:"honeypot_triggered,omitempty"`
}

// OverallPasses reports whether all three tiers passed.
func (t TierResult) OverallPasses() bool {
	return !t.HoneypotTriggered && t.Tier1.Passes && t.Tier2.Passes && t.Tier3.Passes
}

// Winner is a top-3 ranked submission for a zipcode.
type Winner struct {
	MinerID      string     `json:"miner_id"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	ListingCount int        `json:"listing_count"`
	Rank         int        `json:"rank"`
	RewardPct    float64    `json:"reward_pct"`
	TierResults  TierResult `json:"tier_results"`
}

// Participant is a non-winning submission that still shares in the
// participation pool (T1∧T2 pass beyond rank 3, or T3-failing).
type Participant struct {
	MinerID      string `json:"miner_id"`
	ListingCount int    `json:"listing_count"`
	FailedAt     string `json:"failed_at,omitempty"` // "tier3" when applicable
}

// RewardShare records one miner's slice of a zipcode's reward.
type RewardShare struct {
	Rank  int     `json:"rank,omitempty"`
	Pct   float64 `json:"pct"`
	Count int     `json:"count"`
}

// ZipcodeRanking is the C4 output for a single zipcode.
type ZipcodeRanking struct {
	Zipcode            string                 `json:"zipcode"`
	ExpectedListings   int                    `json:"expected_listings"`
	Winners            []Winner               `json:"winners"`
	Participants       []Participant          `json:"participants"`
	Rewards            map[string]RewardShare `json:"rewards"`
	TotalListingsFound int                    `json:"total_listings_found"`
}

// EpochResult is the final, consensus-hashed output of an epoch.
type EpochResult struct {
	EpochID             string             `json:"epoch_id"`
	MinerScores         map[string]float64 `json:"miner_scores"`
	ZipcodeWeights      map[string]float64 `json:"zipcode_weights"`
	TotalEpochListings  int                `json:"total_epoch_listings"`
	TotalParticipants   int                `json:"total_participants"`
	TotalWinners        int                `json:"total_winners"`
}

// NewEmptyEpochResult builds the canonical empty result for an epoch with
// no valid submissions anywhere. total_epoch_listings must still be present
// in the serialized form even though it is zero.
func NewEmptyEpochResult(epochID string) EpochResult {
	return EpochResult{
		EpochID:            epochID,
		MinerScores:        map[string]float64{},
		ZipcodeWeights:     map[string]float64{},
		TotalEpochListings: 0,
		TotalParticipants:  0,
		TotalWinners:       0,
	}
}
