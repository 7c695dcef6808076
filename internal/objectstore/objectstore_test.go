package objectstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

func TestKeyLayout(t *testing.T) {
	if got := MinerSubmissionKey("miner-1", "epoch-1", "19103"); got != "data/miners/miner-1/epoch=epoch-1/zipcode=19103/listings.json" {
		t.Errorf("MinerSubmissionKey = %q", got)
	}
	if got := ValidatorResultKey("val-1", "epoch-1"); got != "data/validators/val-1/epoch=epoch-1/epoch_result.json" {
		t.Errorf("ValidatorResultKey = %q", got)
	}
}

func TestFilesystemBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemBackend(dir)
	if err != nil {
		t.Fatalf("NewFilesystemBackend() error = %v", err)
	}

	store := NewStore(backend)
	ctx := context.Background()
	key := MinerMetadataKey("miner-1", "epoch-1", "19103")

	meta := MinerMetadata{MinerID: "miner-1", EpochID: "epoch-1", Zipcode: "19103", ListingCount: 42}
	if err := store.PutJSON(ctx, key, meta); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}

	var got MinerMetadata
	if err := store.GetJSON(ctx, key, &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got != meta {
		t.Errorf("got %+v, want %+v", got, meta)
	}

	if _, err := filepath.Abs(filepath.Join(dir, key)); err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
}

func TestFilesystemBackendCommitTime(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemBackend(dir)
	if err != nil {
		t.Fatalf("NewFilesystemBackend() error = %v", err)
	}

	ctx := context.Background()
	key := MinerSubmissionKey("miner-1", "epoch-1", "19103")
	before := time.Now().Add(-time.Second).UTC()
	if err := backend.Put(ctx, key, []byte("[]")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := backend.CommitTime(ctx, key)
	if err != nil {
		t.Fatalf("CommitTime() error = %v", err)
	}
	if got.Before(before) {
		t.Errorf("CommitTime() = %v, want >= %v", got, before)
	}
}

func TestFilesystemBackendHealthy(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemBackend(dir)
	if err != nil {
		t.Fatalf("NewFilesystemBackend() error = %v", err)
	}
	if !backend.Healthy(context.Background()) {
		t.Fatal("existing directory should be healthy")
	}
}

func TestValidationReportShape(t *testing.T) {
	report := ValidationReport{
		EpochID:     "epoch-1",
		ValidatorID: "val-1",
		Results: map[string][]epoch.TierResult{
			"19103": {{MinerID: "miner-1", Zipcode: "19103"}},
		},
	}
	if len(report.Results["19103"]) != 1 {
		t.Fatal("expected one tier result for zipcode 19103")
	}
}
