// Package storage provides Redis-backed persistence for epoch metadata,
// miner submission status, and validator consensus outcomes.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/zipcode-subnet/validator-core/internal/epoch"
	"github.com/zipcode-subnet/validator-core/internal/util"
)

const (
	keyPrefix = "zcsubnet:"

	keyEpoch          = keyPrefix + "epoch:%s"            // epoch_id -> Epoch JSON
	keyEpochCurrent   = keyPrefix + "epoch:current"        // -> current epoch_id
	keySealLock       = keyPrefix + "epoch:%s:seal:lock"   // freeze-assignment lock
	keySubmission     = keyPrefix + "submission:%s:%s"     // epoch_id:miner_id -> status JSON
	keyEpochMiners    = keyPrefix + "epoch:%s:miners"      // set of miner_ids that reported
	keyCooldown       = keyPrefix + "cooldown:%s"          // zipcode -> last epoch_id issued
	keyEpochResult    = keyPrefix + "result:%s"            // epoch_id -> EpochResult JSON
	keyConsensusHash  = keyPrefix + "consensus:%s:%s"      // epoch_id:validator_id -> hash hex
	keyConsensusSet   = keyPrefix + "consensus:%s:voters"  // epoch_id -> set of validator_ids
	keyBlacklist      = keyPrefix + "blacklist"
	keyWhitelist      = keyPrefix + "whitelist"
	keyOutlierScore   = keyPrefix + "credibility:%s"       // validator_id -> outlier count
)

// SubmissionStatus is the coordinator-tracked progress of one miner's epoch.
type SubmissionStatus struct {
	MinerID          string `json:"miner_id"`
	EpochID          string `json:"epoch_id"`
	ListingsScraped  int    `json:"listings_scraped"`
	UploadComplete   bool   `json:"upload_complete"`
	Status           string `json:"status"` // "in_progress" | "completed" | "failed"
	UpdatedAt        int64  `json:"updated_at"`
}

// Client wraps Redis operations for the coordinator and validator.
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// NewClient creates a new Redis-backed storage client.
func NewClient(addr, password string, db int) (*Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := rc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", addr)
	return &Client{client: rc, ctx: ctx}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// PutEpoch writes an epoch record and, if it is active, updates the
// current-epoch pointer.
func (c *Client) PutEpoch(e *epoch.Epoch) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	pipe := c.client.Pipeline()
	pipe.Set(c.ctx, fmt.Sprintf(keyEpoch, e.ID), data, 0)
	if e.Status == epoch.StatusActive {
		pipe.Set(c.ctx, keyEpochCurrent, e.ID, 0)
	}
	for _, z := range e.Zipcodes {
		pipe.Set(c.ctx, fmt.Sprintf(keyCooldown, z.Zipcode), e.ID, 8*time.Hour)
	}
	_, err = pipe.Exec(c.ctx)
	return err
}

// GetEpoch reads an epoch by ID.
func (c *Client) GetEpoch(epochID string) (*epoch.Epoch, error) {
	data, err := c.client.Get(c.ctx, fmt.Sprintf(keyEpoch, epochID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e epoch.Epoch
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetCurrentEpochID returns the active epoch's ID, or "" if none.
func (c *Client) GetCurrentEpochID() (string, error) {
	id, err := c.client.Get(c.ctx, keyEpochCurrent).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// CooldownEpoch returns the most recent epoch ID a zipcode was assigned in,
// or "" if it has never been assigned (or its cooldown has expired).
func (c *Client) CooldownEpoch(zipcode string) (string, error) {
	id, err := c.client.Get(c.ctx, fmt.Sprintf(keyCooldown, zipcode)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// AcquireSealLock freezes an epoch's assignment record exactly once, modeled
// on the teacher's payout SetNX lock.
func (c *Client) AcquireSealLock(epochID, ownerID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(c.ctx, fmt.Sprintf(keySealLock, epochID), ownerID, ttl).Result()
}

// PutSubmissionStatus records or updates a miner's progress for an epoch.
func (c *Client) PutSubmissionStatus(s *SubmissionStatus) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := c.client.Pipeline()
	pipe.Set(c.ctx, fmt.Sprintf(keySubmission, s.EpochID, s.MinerID), data, 0)
	pipe.SAdd(c.ctx, fmt.Sprintf(keyEpochMiners, s.EpochID), s.MinerID)
	_, err = pipe.Exec(c.ctx)
	return err
}

// GetSubmissionStatus reads a miner's progress for an epoch.
func (c *Client) GetSubmissionStatus(epochID, minerID string) (*SubmissionStatus, error) {
	data, err := c.client.Get(c.ctx, fmt.Sprintf(keySubmission, epochID, minerID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s SubmissionStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListReportingMiners returns every miner_id that has reported status for an epoch.
func (c *Client) ListReportingMiners(epochID string) ([]string, error) {
	return c.client.SMembers(c.ctx, fmt.Sprintf(keyEpochMiners, epochID)).Result()
}

// PutEpochResult persists the finalized EpochResult. Write-once per epoch:
// callers must not call this before C5 has fully constructed the value.
func (c *Client) PutEpochResult(r *epoch.EpochResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.client.Set(c.ctx, fmt.Sprintf(keyEpochResult, r.EpochID), data, 0).Err()
}

// GetEpochResult reads the finalized EpochResult for an epoch.
func (c *Client) GetEpochResult(epochID string) (*epoch.EpochResult, error) {
	data, err := c.client.Get(c.ctx, fmt.Sprintf(keyEpochResult, epochID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r epoch.EpochResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PutConsensusHash records one validator's consensus hash for an epoch, used
// as the storage-backed peer gossip of record.
func (c *Client) PutConsensusHash(epochID, validatorID, hashHex string) error {
	pipe := c.client.Pipeline()
	pipe.Set(c.ctx, fmt.Sprintf(keyConsensusHash, epochID, validatorID), hashHex, 0)
	pipe.SAdd(c.ctx, fmt.Sprintf(keyConsensusSet, epochID), validatorID)
	_, err := pipe.Exec(c.ctx)
	return err
}

// PeerConsensusHashes returns every validator's recorded hash for an epoch.
func (c *Client) PeerConsensusHashes(epochID string) (map[string]string, error) {
	validators, err := c.client.SMembers(c.ctx, fmt.Sprintf(keyConsensusSet, epochID)).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(validators))
	for _, v := range validators {
		hash, err := c.client.Get(c.ctx, fmt.Sprintf(keyConsensusHash, epochID, v)).Result()
		if err != nil {
			continue
		}
		out[v] = hash
	}
	return out, nil
}

// IncrOutlierScore bumps a validator's minority-hash counter, mutated only at
// epoch finalization per the shared-resource policy.
func (c *Client) IncrOutlierScore(validatorID string) (int64, error) {
	return c.client.Incr(c.ctx, fmt.Sprintf(keyOutlierScore, validatorID)).Result()
}

// Miner blacklist/whitelist, repurposed from the teacher's IP-ban sets to
// persistent protocol-level miner exclusion.

func (c *Client) IsBlacklisted(minerID string) (bool, error) {
	return c.client.SIsMember(c.ctx, keyBlacklist, minerID).Result()
}

func (c *Client) IsWhitelisted(minerID string) (bool, error) {
	return c.client.SIsMember(c.ctx, keyWhitelist, minerID).Result()
}

func (c *Client) AddToBlacklist(minerID string) error {
	return c.client.SAdd(c.ctx, keyBlacklist, minerID).Err()
}

func (c *Client) RemoveFromBlacklist(minerID string) error {
	return c.client.SRem(c.ctx, keyBlacklist, minerID).Err()
}

func (c *Client) GetBlacklist() ([]string, error) {
	return c.client.SMembers(c.ctx, keyBlacklist).Result()
}

func (c *Client) AddToWhitelist(minerID string) error {
	return c.client.SAdd(c.ctx, keyWhitelist, minerID).Err()
}

func (c *Client) GetWhitelist() ([]string, error) {
	return c.client.SMembers(c.ctx, keyWhitelist).Result()
}

// ScanEpochIDs returns every epoch_id with a persisted record, for backup/export.
func (c *Client) ScanEpochIDs() ([]string, error) {
	var ids []string
	var cursor uint64
	prefix := fmt.Sprintf(keyEpoch, "")

	for {
		keys, newCursor, err := c.client.Scan(c.ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, prefix))
		}
		cursor = newCursor
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}
