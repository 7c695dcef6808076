// Package objectstore persists miner submissions and validator outputs
// in the layout the downstream weight-setter and auditors expect:
//
//	data/miners/{miner_id}/epoch={epoch_id}/zipcode={zipcode}/listings.json
//	data/miners/{miner_id}/epoch={epoch_id}/zipcode={zipcode}/metadata.json
//	data/validators/{validator_id}/epoch={epoch_id}/epoch_result.json
//	data/validators/{validator_id}/epoch={epoch_id}/consensus_hash.txt
//	data/validators/{validator_id}/epoch={epoch_id}/validation_report.json
package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/epoch"
)

// Backend is implemented by any storage target a miner or validator can
// write its artifacts to: the local filesystem by default, or a remote
// object store wired in behind the same interface.
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// CommitTime returns the time at which key was last written. Validators
	// use this, not a miner's self-reported timestamp, as submitted_at.
	CommitTime(ctx context.Context, key string) (time.Time, error)
	Healthy(ctx context.Context) bool
}

// MinerSubmissionKey returns the storage key for a miner's raw listing
// upload for one zipcode within one epoch.
func MinerSubmissionKey(minerID, epochID, zipcode string) string {
	return filepath.ToSlash(filepath.Join("data", "miners", minerID, "epoch="+epochID, "zipcode="+zipcode, "listings.json"))
}

// MinerMetadataKey returns the storage key for a miner's upload metadata
// (listing count; the miner leaves submitted_at empty, as validators take it
// from the storage commit time) for one zipcode.
func MinerMetadataKey(minerID, epochID, zipcode string) string {
	return filepath.ToSlash(filepath.Join("data", "miners", minerID, "epoch="+epochID, "zipcode="+zipcode, "metadata.json"))
}

// ValidatorResultKey returns the storage key for a validator's epoch
// result document.
func ValidatorResultKey(validatorID, epochID string) string {
	return filepath.ToSlash(filepath.Join("data", "validators", validatorID, "epoch="+epochID, "epoch_result.json"))
}

// ValidatorHashKey returns the storage key for a validator's consensus
// hash for one epoch.
func ValidatorHashKey(validatorID, epochID string) string {
	return filepath.ToSlash(filepath.Join("data", "validators", validatorID, "epoch="+epochID, "consensus_hash.txt"))
}

// ValidatorReportKey returns the storage key for a validator's full
// validation report for one epoch.
func ValidatorReportKey(validatorID, epochID string) string {
	return filepath.ToSlash(filepath.Join("data", "validators", validatorID, "epoch="+epochID, "validation_report.json"))
}

// MinerMetadata is the sidecar written next to a miner's listing upload.
type MinerMetadata struct {
	MinerID      string `json:"miner_id"`
	EpochID      string `json:"epoch_id"`
	Zipcode      string `json:"zipcode"`
	ListingCount int    `json:"listing_count"`
	SubmittedAt  string `json:"submitted_at"`
}

// ValidationReport is the full per-zipcode tier-result dump a validator
// archives alongside its epoch result, for later audit.
type ValidationReport struct {
	EpochID     string                         `json:"epoch_id"`
	ValidatorID string                         `json:"validator_id"`
	Results     map[string][]epoch.TierResult  `json:"results"` // zipcode -> per-miner results
	Rankings    map[string]epoch.ZipcodeRanking `json:"rankings"`
}

// Store wraps PutJSON/GetJSON convenience helpers around a Backend.
type Store struct {
	backend Backend
}

// NewStore wraps a backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// PutJSON marshals v and writes it under key.
func (s *Store) PutJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("objectstore: marshal %s: %w", key, err)
	}
	return s.backend.Put(ctx, key, data)
}

// GetJSON reads key and unmarshals it into v.
func (s *Store) GetJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}

// CommitTime returns the backend's recorded write time for key.
func (s *Store) CommitTime(ctx context.Context, key string) (time.Time, error) {
	return s.backend.CommitTime(ctx, key)
}

// FilesystemBackend is the default Backend: a root directory on the
// local disk, one file per key.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend builds a Backend rooted at dir, creating it if
// necessary.
func NewFilesystemBackend(dir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root %s: %w", dir, err)
	}
	return &FilesystemBackend{root: dir}, nil
}

func (f *FilesystemBackend) Name() string { return "filesystem:" + f.root }

func (f *FilesystemBackend) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *FilesystemBackend) Get(_ context.Context, key string) ([]byte, error) {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	return os.ReadFile(path)
}

func (f *FilesystemBackend) CommitTime(_ context.Context, key string) (time.Time, error) {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime().UTC(), nil
}

func (f *FilesystemBackend) Healthy(_ context.Context) bool {
	_, err := os.Stat(f.root)
	return err == nil
}
