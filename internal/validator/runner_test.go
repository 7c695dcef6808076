package validator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/zipcode-subnet/validator-core/internal/config"
	"github.com/zipcode-subnet/validator-core/internal/consensus"
	"github.com/zipcode-subnet/validator-core/internal/epoch"
	"github.com/zipcode-subnet/validator-core/internal/objectstore"
	"github.com/zipcode-subnet/validator-core/internal/rpc"
	"github.com/zipcode-subnet/validator-core/internal/scraper"
	"github.com/zipcode-subnet/validator-core/internal/storage"
)

func runnerTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Validator.ID = "validator-1"
	cfg.Validator.WeightPublishBudget = 0
	cfg.Validator.MajorityThreshold = 0.9
	cfg.Coordinator.GracePeriod = time.Minute
	cfg.Tiers.Tier1QuantityTolerance = 0.15
	cfg.Tiers.Tier2Completeness = 0.8
	cfg.Tiers.Tier2ReasonableValues = 0.8
	cfg.Tiers.Tier2DataConsistency = 0.8
	cfg.Tiers.Tier2MaxDuplicateRate = 0.2
	cfg.Tiers.Tier3MinSamples = 3
	cfg.Tiers.Tier3MaxSamples = 10
	cfg.Tiers.Tier3SampleFraction = 0.2
	cfg.Tiers.Tier3PassRateThreshold = 0.8
	cfg.Tiers.Tier3PriceTolerancePct = 0.05
	cfg.Tiers.Tier3PriceToleranceAbs = 1000
	cfg.Tiers.Tier3AreaTolerancePct = 0.1
	cfg.AntiGaming.CrossMinerDuplicateShare = 0.6
	cfg.AntiGaming.AnomalyRateThreshold = 0.3
	cfg.AntiGaming.PriceZScoreThreshold = 4
	return cfg
}

func newRunnerTestStore(t *testing.T) *storage.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	store, err := storage.NewClient(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("storage.NewClient() error = %v", err)
	}
	return store
}

func TestFinalizeEpochReachesConsensusAndPublishes(t *testing.T) {
	cfg := runnerTestConfig()
	store := newRunnerTestStore(t)

	backend, err := objectstore.NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemBackend() error = %v", err)
	}
	objects := objectstore.NewStore(backend)

	now := time.Now()
	listings := tier3Listings(20)
	for i := range listings {
		listings[i].Zipcode = "19103"
	}

	ctx := context.Background()
	if err := objects.PutJSON(ctx, objectstore.MinerSubmissionKey("miner-1", "epoch-1", "19103"), listings); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}
	if err := store.PutSubmissionStatus(&storage.SubmissionStatus{MinerID: "miner-1", EpochID: "epoch-1", UploadComplete: true}); err != nil {
		t.Fatalf("PutSubmissionStatus() error = %v", err)
	}

	e := &epoch.Epoch{
		ID:      "epoch-1",
		StartAt: now.Add(-4 * time.Hour),
		EndAt:   now.Add(-1 * time.Hour),
		Status:  epoch.StatusClosed,
		Nonce:   []byte{1, 2, 3, 4},
		Zipcodes: []epoch.ZipcodeAssignment{
			{Zipcode: "19103", ExpectedListings: 20},
		},
	}

	var published rpc.WeightPublication
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&published)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(rpc.PublicationResponse{Accepted: true})
	}))
	defer sink.Close()

	gossip := consensus.NewGossipServer("validator-1", "", nil, store)
	publisher := rpc.NewWeightSetterClient(sink.URL, time.Second)
	runner := NewRunner(cfg, store, objects, scraper.NewFake(listings), gossip, publisher)

	if err := runner.FinalizeEpoch(ctx, e); err != nil {
		t.Fatalf("FinalizeEpoch() error = %v", err)
	}

	if published.EpochID != "epoch-1" {
		t.Fatalf("expected epoch-1 to be published, got %+v", published)
	}
	if published.MinerScores["miner-1"] <= 0 {
		t.Errorf("expected miner-1 to have a positive score, got %v", published.MinerScores)
	}

	result, err := store.GetEpochResult("epoch-1")
	if err != nil {
		t.Fatalf("GetEpochResult() error = %v", err)
	}
	if result.TotalEpochListings != 20 {
		t.Errorf("TotalEpochListings = %d, want 20", result.TotalEpochListings)
	}
}

func TestFinalizeEpochWithNoSubmissionsIsEmptyButSucceeds(t *testing.T) {
	cfg := runnerTestConfig()
	store := newRunnerTestStore(t)

	backend, err := objectstore.NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemBackend() error = %v", err)
	}
	objects := objectstore.NewStore(backend)

	e := &epoch.Epoch{
		ID:      "epoch-2",
		StartAt: time.Now().Add(-4 * time.Hour),
		EndAt:   time.Now().Add(-1 * time.Hour),
		Status:  epoch.StatusClosed,
		Nonce:   []byte{1, 2, 3, 4},
		Zipcodes: []epoch.ZipcodeAssignment{
			{Zipcode: "19103", ExpectedListings: 20},
		},
	}

	var published rpc.WeightPublication
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&published)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(rpc.PublicationResponse{Accepted: true})
	}))
	defer sink.Close()

	gossip := consensus.NewGossipServer("validator-1", "", nil, store)
	publisher := rpc.NewWeightSetterClient(sink.URL, time.Second)
	runner := NewRunner(cfg, store, objects, scraper.NewFake(nil), gossip, publisher)

	if err := runner.FinalizeEpoch(context.Background(), e); err != nil {
		t.Fatalf("FinalizeEpoch() error = %v", err)
	}

	result, err := store.GetEpochResult("epoch-2")
	if err != nil {
		t.Fatalf("GetEpochResult() error = %v", err)
	}
	if result.TotalEpochListings != 0 {
		t.Errorf("TotalEpochListings = %d, want 0", result.TotalEpochListings)
	}
	if len(published.MinerScores) != 0 {
		t.Errorf("expected no miner scores to publish for an empty epoch, got %v", published.MinerScores)
	}
}
