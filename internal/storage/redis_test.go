package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client, err := NewClient(mr.Addr(), "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create storage client: %v", err)
	}

	return client, mr
}

func TestNewClientInvalid(t *testing.T) {
	_, err := NewClient("invalid:9999", "", 0)
	if err == nil {
		t.Error("NewClient should return error for invalid address")
	}
}

func testEpoch() *epoch.Epoch {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &epoch.Epoch{
		ID:             "1767225600",
		StartAt:        now,
		EndAt:          now.Add(4 * time.Hour),
		Status:         epoch.StatusActive,
		TargetListings: 10000,
		TolerancePct:   0.10,
		Nonce:          []byte{0x01},
		Zipcodes: []epoch.ZipcodeAssignment{
			{Zipcode: "19103", ExpectedListings: 250, MarketTier: epoch.MarketStandard},
		},
	}
}

func TestPutAndGetEpoch(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	e := testEpoch()
	if err := client.PutEpoch(e); err != nil {
		t.Fatalf("PutEpoch() error = %v", err)
	}

	got, err := client.GetEpoch(e.ID)
	if err != nil {
		t.Fatalf("GetEpoch() error = %v", err)
	}
	if got == nil || got.ID != e.ID {
		t.Fatalf("GetEpoch() = %+v, want epoch %s", got, e.ID)
	}

	currentID, err := client.GetCurrentEpochID()
	if err != nil {
		t.Fatalf("GetCurrentEpochID() error = %v", err)
	}
	if currentID != e.ID {
		t.Errorf("GetCurrentEpochID() = %q, want %q", currentID, e.ID)
	}
}

func TestGetEpochMissing(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	got, err := client.GetEpoch("does-not-exist")
	if err != nil {
		t.Fatalf("GetEpoch() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetEpoch() = %+v, want nil", got)
	}
}

func TestCooldownEpoch(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	e := testEpoch()
	if err := client.PutEpoch(e); err != nil {
		t.Fatalf("PutEpoch() error = %v", err)
	}

	cooldownID, err := client.CooldownEpoch("19103")
	if err != nil {
		t.Fatalf("CooldownEpoch() error = %v", err)
	}
	if cooldownID != e.ID {
		t.Errorf("CooldownEpoch(19103) = %q, want %q", cooldownID, e.ID)
	}

	none, err := client.CooldownEpoch("00000")
	if err != nil {
		t.Fatalf("CooldownEpoch() error = %v", err)
	}
	if none != "" {
		t.Errorf("CooldownEpoch(00000) = %q, want empty", none)
	}
}

func TestAcquireSealLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ok, err := client.AcquireSealLock("epoch1", "coordinator-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireSealLock() = %v, %v, want true, nil", ok, err)
	}

	again, err := client.AcquireSealLock("epoch1", "coordinator-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireSealLock() error = %v", err)
	}
	if again {
		t.Error("AcquireSealLock() should fail once already held")
	}
}

func TestSubmissionStatusRoundTrip(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	s := &SubmissionStatus{
		MinerID:         "miner-a",
		EpochID:         "epoch1",
		ListingsScraped: 248,
		UploadComplete:  true,
		Status:          "completed",
		UpdatedAt:       time.Now().Unix(),
	}
	if err := client.PutSubmissionStatus(s); err != nil {
		t.Fatalf("PutSubmissionStatus() error = %v", err)
	}

	got, err := client.GetSubmissionStatus("epoch1", "miner-a")
	if err != nil {
		t.Fatalf("GetSubmissionStatus() error = %v", err)
	}
	if got == nil || got.ListingsScraped != 248 {
		t.Fatalf("GetSubmissionStatus() = %+v", got)
	}

	miners, err := client.ListReportingMiners("epoch1")
	if err != nil {
		t.Fatalf("ListReportingMiners() error = %v", err)
	}
	if len(miners) != 1 || miners[0] != "miner-a" {
		t.Errorf("ListReportingMiners() = %v, want [miner-a]", miners)
	}
}

func TestEpochResultRoundTrip(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	r := &epoch.EpochResult{
		EpochID:            "epoch1",
		MinerScores:        map[string]float64{"miner-a": 1.0},
		ZipcodeWeights:      map[string]float64{"19103": 1.0},
		TotalEpochListings: 250,
		TotalParticipants:  1,
		TotalWinners:       1,
	}
	if err := client.PutEpochResult(r); err != nil {
		t.Fatalf("PutEpochResult() error = %v", err)
	}

	got, err := client.GetEpochResult("epoch1")
	if err != nil {
		t.Fatalf("GetEpochResult() error = %v", err)
	}
	if got == nil || got.TotalEpochListings != 250 {
		t.Fatalf("GetEpochResult() = %+v", got)
	}
}

func TestConsensusHashGossip(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	if err := client.PutConsensusHash("epoch1", "validator-a", "aabbcc"); err != nil {
		t.Fatalf("PutConsensusHash() error = %v", err)
	}
	if err := client.PutConsensusHash("epoch1", "validator-b", "aabbcc"); err != nil {
		t.Fatalf("PutConsensusHash() error = %v", err)
	}

	hashes, err := client.PeerConsensusHashes("epoch1")
	if err != nil {
		t.Fatalf("PeerConsensusHashes() error = %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("PeerConsensusHashes() = %v, want 2 entries", hashes)
	}
}

func TestBlacklist(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	if err := client.AddToBlacklist("miner-bad"); err != nil {
		t.Fatalf("AddToBlacklist() error = %v", err)
	}

	isBlacklisted, err := client.IsBlacklisted("miner-bad")
	if err != nil {
		t.Fatalf("IsBlacklisted() error = %v", err)
	}
	if !isBlacklisted {
		t.Error("IsBlacklisted() = false, want true")
	}

	if err := client.RemoveFromBlacklist("miner-bad"); err != nil {
		t.Fatalf("RemoveFromBlacklist() error = %v", err)
	}
	isBlacklisted, _ = client.IsBlacklisted("miner-bad")
	if isBlacklisted {
		t.Error("IsBlacklisted() = true after removal, want false")
	}
}
