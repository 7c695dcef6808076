package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/config"
	"github.com/zipcode-subnet/validator-core/internal/epoch"
	"github.com/zipcode-subnet/validator-core/internal/objectstore"
	"github.com/zipcode-subnet/validator-core/internal/scraper"
	"github.com/zipcode-subnet/validator-core/internal/util"
)

// Miner runs the polling mining loop: fetch the current assignment,
// scrape each zipcode, persist locally, upload, and report status.
type Miner struct {
	cfg     *config.Config
	client  *CoordinatorClient
	scraper scraper.Interface
	store   *objectstore.Store

	mu          sync.Mutex
	lastEpochID string

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Miner wired to the given scraper and object store.
func New(cfg *config.Config, client *CoordinatorClient, sc scraper.Interface, store *objectstore.Store) *Miner {
	return &Miner{
		cfg:     cfg,
		client:  client,
		scraper: sc,
		store:   store,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the poll loop.
func (m *Miner) Start(ctx context.Context) error {
	util.Infof("Starting miner %s, polling %s every %v", m.cfg.Miner.ID, m.cfg.Miner.CoordinatorURL, m.cfg.Miner.PollInterval)

	m.wg.Add(1)
	go m.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop.
func (m *Miner) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Miner) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Miner.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				util.Warnf("Mining cycle failed: %v", err)
			}
		}
	}
}

// RunOnce performs one poll-scrape-upload-report cycle against the
// coordinator's current assignment.
func (m *Miner) RunOnce(ctx context.Context) error {
	assignment, err := m.client.CurrentAssignment(ctx)
	if err != nil {
		return fmt.Errorf("miner: fetch assignment: %w", err)
	}

	m.mu.Lock()
	alreadyDone := m.lastEpochID == assignment.EpochID
	m.mu.Unlock()
	if alreadyDone {
		return nil
	}

	deadline := assignment.EndAt.Add(-m.cfg.Miner.UploadBudget)

	totalScraped := 0
	var uploadErr error

	for _, z := range assignment.Zipcodes {
		listings, err := m.scraper.Scrape(ctx, z.Zipcode, z.ExpectedListings, deadline)
		if err != nil {
			util.Warnf("Scrape failed for zipcode %s: %v", z.Zipcode, err)
			continue
		}

		normalized := normalize(listings, z.Zipcode)
		totalScraped += len(normalized)

		if err := m.persistLocal(assignment.EpochID, z.Zipcode, normalized); err != nil {
			util.Warnf("Local persist failed for zipcode %s: %v", z.Zipcode, err)
		}

		if err := m.upload(ctx, assignment.EpochID, z.Zipcode, normalized); err != nil {
			uploadErr = err
			util.Warnf("Upload failed for zipcode %s: %v", z.Zipcode, err)
		}
	}

	uploadComplete := uploadErr == nil
	if err := m.client.ReportStatus(ctx, assignment.EpochID, totalScraped, uploadComplete); err != nil {
		util.Warnf("Status report failed: %v", err)
	}

	if uploadComplete {
		m.mu.Lock()
		m.lastEpochID = assignment.EpochID
		m.mu.Unlock()
	}

	return uploadErr
}

// normalize drops listings whose zipcode field disagrees with the
// assignment — the canonical schema is otherwise assumed to already
// hold, since the scraper itself is responsible for field shape.
func normalize(listings []epoch.Listing, assignedZipcode string) []epoch.Listing {
	out := make([]epoch.Listing, 0, len(listings))
	for _, l := range listings {
		if l.Zipcode != assignedZipcode {
			continue
		}
		out = append(out, l)
	}
	return out
}

// persistLocal writes the zipcode's listings to the miner's local data
// directory, keyed by (epoch_id, zipcode), ahead of the object-store
// upload — this survives a crash between scrape and upload.
func (m *Miner) persistLocal(epochID, zipcode string, listings []epoch.Listing) error {
	dir := filepath.Join(m.cfg.Miner.LocalDataDir, epochID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(listings)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, zipcode+".json")
	return os.WriteFile(path, data, 0o644)
}

// upload writes the zipcode's listings and metadata sidecar to object
// storage. submitted_at is not recorded here — validators re-derive it
// from the storage layer's own commit time, not from the miner.
func (m *Miner) upload(ctx context.Context, epochID, zipcode string, listings []epoch.Listing) error {
	key := objectstore.MinerSubmissionKey(m.cfg.Miner.ID, epochID, zipcode)
	if err := m.store.PutJSON(ctx, key, listings); err != nil {
		return err
	}

	meta := objectstore.MinerMetadata{
		MinerID:      m.cfg.Miner.ID,
		EpochID:      epochID,
		Zipcode:      zipcode,
		ListingCount: len(listings),
	}
	metaKey := objectstore.MinerMetadataKey(m.cfg.Miner.ID, epochID, zipcode)
	return m.store.PutJSON(ctx, metaKey, meta)
}
