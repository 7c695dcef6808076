// Package coordinator implements the assignment coordinator: it selects
// zipcodes for each 4-hour epoch, issues nonces, and tracks miner
// submission status on the coordinator's behalf.
package coordinator

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/config"
	"github.com/zipcode-subnet/validator-core/internal/epoch"
	"github.com/zipcode-subnet/validator-core/internal/storage"
	"github.com/zipcode-subnet/validator-core/internal/util"
)

// ErrAssignmentNotReady is returned by GetCurrentAssignment outside an
// active epoch.
var ErrAssignmentNotReady = fmt.Errorf("coordinator: no active epoch")

// ErrEpochClosed is returned by UpdateStatus after an epoch's grace period.
var ErrEpochClosed = fmt.Errorf("coordinator: epoch closed")

// ZipcodeCandidate is one entry in the eligible pool the coordinator draws
// assignments from.
type ZipcodeCandidate struct {
	Zipcode          string
	ExpectedListings int
	MarketTier       epoch.MarketTier
}

// Coordinator runs the epoch-selection loop and serves the three
// operations miners and validators call against it.
type Coordinator struct {
	cfg   *config.Config
	store *storage.Client

	pool         []ZipcodeCandidate
	honeypotPool []ZipcodeCandidate

	mu        sync.RWMutex
	currentID string

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a coordinator over the given eligible and honeypot pools.
func New(cfg *config.Config, store *storage.Client, pool, honeypotPool []ZipcodeCandidate) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		store:        store,
		pool:         pool,
		honeypotPool: honeypotPool,
		stopCh:       make(chan struct{}),
	}
}

// Start runs the epoch-selection loop, aligned to the configured UTC grid.
func (co *Coordinator) Start() error {
	util.Info("Starting assignment coordinator...")

	if err := co.tick(); err != nil {
		util.Warnf("Initial epoch selection failed: %v", err)
	}

	co.wg.Add(1)
	go co.selectionLoop()

	util.Info("Assignment coordinator started")
	return nil
}

// Stop halts the epoch-selection loop.
func (co *Coordinator) Stop() {
	close(co.stopCh)
	co.wg.Wait()
}

func (co *Coordinator) selectionLoop() {
	defer co.wg.Done()

	for {
		wait := co.timeUntilNextGrid()
		timer := time.NewTimer(wait)
		select {
		case <-co.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if err := co.tick(); err != nil {
				util.Warnf("Epoch selection failed: %v", err)
			}
		}
	}
}

// timeUntilNextGrid returns the duration until the next grid-aligned
// boundary (e.g. 00:00, 04:00, ... for a 4-hour grid).
func (co *Coordinator) timeUntilNextGrid() time.Duration {
	now := time.Now().UTC()
	interval := time.Duration(co.cfg.Epoch.GridIntervalHours) * time.Hour
	next := gridAlign(now, interval).Add(interval)
	return next.Sub(now)
}

// gridAlign floors t to the most recent grid boundary of the given interval.
func gridAlign(t time.Time, interval time.Duration) time.Time {
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := t.Sub(dayStart)
	aligned := elapsed / interval * interval
	return dayStart.Add(aligned)
}

// tick selects and seals the assignment for the current grid boundary.
func (co *Coordinator) tick() error {
	interval := time.Duration(co.cfg.Epoch.GridIntervalHours) * time.Hour
	start := gridAlign(time.Now().UTC(), interval)
	end := start.Add(interval)
	id := start.Format(time.RFC3339)

	existing, _ := co.store.GetEpoch(id)
	if existing != nil {
		co.mu.Lock()
		co.currentID = id
		co.mu.Unlock()
		return nil
	}

	locked, err := co.store.AcquireSealLock(id, co.cfg.Node.ID, co.cfg.Coordinator.SealLockTTL)
	if err != nil {
		return fmt.Errorf("coordinator: seal lock: %w", err)
	}
	if !locked {
		// Another coordinator replica already sealed this epoch.
		co.mu.Lock()
		co.currentID = id
		co.mu.Unlock()
		return nil
	}

	zipcodes, err := co.selectZipcodes(id)
	if err != nil {
		return err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("coordinator: nonce generation: %w", err)
	}

	e := &epoch.Epoch{
		ID:             id,
		StartAt:        start,
		EndAt:          end,
		Status:         epoch.StatusActive,
		TargetListings: co.cfg.Epoch.TargetListings,
		TolerancePct:   co.cfg.Epoch.TolerancePct,
		Nonce:          nonce,
		Zipcodes:       zipcodes,
	}

	if err := co.store.PutEpoch(e); err != nil {
		return fmt.Errorf("coordinator: persist epoch: %w", err)
	}

	co.mu.Lock()
	co.currentID = id
	co.mu.Unlock()

	util.Infof("Epoch %s sealed: %d zipcodes, %d honeypots", id, len(e.Zipcodes), countHoneypots(e.Zipcodes))
	return nil
}

func countHoneypots(zs []epoch.ZipcodeAssignment) int {
	n := 0
	for _, z := range zs {
		if z.IsHoneypot {
			n++
		}
	}
	return n
}

// selectZipcodes runs the epoch-selection algorithm: it draws eligible
// candidates excluding the cooldown set, greedily fills toward the
// target within tolerance (swapping the last addition when the walk
// overshoots, bounded to prevent oscillation), then folds in honeypots
// drawn from a separate pool (see drawHoneypots for how many).
func (co *Coordinator) selectZipcodes(epochID string) ([]epoch.ZipcodeAssignment, error) {
	target := co.cfg.Epoch.TargetListings
	tolerance := co.cfg.Epoch.TolerancePct
	lo := float64(target) * (1 - tolerance)
	hi := float64(target) * (1 + tolerance)

	eligible, err := co.eligibleCandidates()
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("coordinator: no eligible zipcodes outside cooldown")
	}

	shuffled := shuffleCandidates(eligible)

	var selected []ZipcodeCandidate
	sum := 0
	swaps := 0
	maxSwaps := co.cfg.Coordinator.MaxSwapAttempts

	for _, c := range shuffled {
		selected = append(selected, c)
		sum += c.ExpectedListings

		if float64(sum) > hi && swaps < maxSwaps {
			// Overshot: drop the last addition and let the next shuffled
			// candidate take its place.
			selected = selected[:len(selected)-1]
			sum -= c.ExpectedListings
			swaps++
			continue
		}

		if float64(sum) >= lo {
			break
		}
	}

	if float64(sum) < lo || float64(sum) > hi {
		return nil, fmt.Errorf("coordinator: could not assemble a zipcode set within tolerance (got %d, want [%.0f, %.0f])", sum, lo, hi)
	}

	zipcodes := make([]epoch.ZipcodeAssignment, 0, len(selected))
	for _, c := range selected {
		zipcodes = append(zipcodes, epoch.ZipcodeAssignment{
			Zipcode:          c.Zipcode,
			ExpectedListings: c.ExpectedListings,
			MarketTier:       c.MarketTier,
			IsHoneypot:       false,
		})
	}

	honeypots := co.drawHoneypots(len(zipcodes))
	zipcodes = append(zipcodes, honeypots...)

	sort.Slice(zipcodes, func(i, j int) bool { return zipcodes[i].Zipcode < zipcodes[j].Zipcode })
	return zipcodes, nil
}

// eligibleCandidates returns pool members not presently in cooldown.
func (co *Coordinator) eligibleCandidates() ([]ZipcodeCandidate, error) {
	var out []ZipcodeCandidate
	for _, c := range co.pool {
		onCooldown, err := co.store.CooldownEpoch(c.Zipcode)
		if err != nil {
			return nil, err
		}
		if onCooldown == "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// drawHoneypots draws honeypots from the honeypot pool, unpublished to
// miners. When Coordinator.HoneypotPoolSize is positive it draws exactly
// that many, whatever the assigned slot count, so the honeypot share is
// not held within 5-10%; otherwise it draws 7.5% of the assigned slot
// count plus one. Either count is capped at the honeypot pool's size.
func (co *Coordinator) drawHoneypots(assignedCount int) []epoch.ZipcodeAssignment {
	if len(co.honeypotPool) == 0 {
		return nil
	}

	n := co.cfg.Coordinator.HoneypotPoolSize
	if n <= 0 {
		n = int(float64(assignedCount)*0.075) + 1 // midpoint of 5-10%
	}
	if n > len(co.honeypotPool) {
		n = len(co.honeypotPool)
	}

	shuffled := shuffleCandidates(co.honeypotPool)[:n]
	out := make([]epoch.ZipcodeAssignment, 0, n)
	for _, c := range shuffled {
		out = append(out, epoch.ZipcodeAssignment{
			Zipcode:          c.Zipcode,
			ExpectedListings: c.ExpectedListings,
			MarketTier:       c.MarketTier,
			IsHoneypot:       true,
		})
	}
	return out
}

// shuffleCandidates returns a pool-drawn, order-randomized copy using
// crypto/rand — this feeds epoch-selection, not validation, so it is
// exempt from the nonce-seeded determinism discipline downstream tiers
// require.
func shuffleCandidates(in []ZipcodeCandidate) []ZipcodeCandidate {
	out := make([]ZipcodeCandidate, len(in))
	copy(out, in)

	for i := len(out) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func randIntn(n int) int {
	if n <= 1 {
		return 0
	}
	buf := make([]byte, 8)
	rand.Read(buf)
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return int(v % uint64(n))
}

// GetCurrentAssignment returns the miner-facing view of the active epoch.
func (co *Coordinator) GetCurrentAssignment(minerID string) (*epoch.Epoch, error) {
	id, err := co.store.GetCurrentEpochID()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrAssignmentNotReady
	}

	e, err := co.store.GetEpoch(id)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Status != epoch.StatusActive {
		return nil, ErrAssignmentNotReady
	}

	view := *e
	view.Zipcodes = nil
	for _, z := range e.Zipcodes {
		if !z.IsHoneypot {
			view.Zipcodes = append(view.Zipcodes, z)
		}
	}
	return &view, nil
}

// UpdateStatus records a miner's reported progress. It is idempotent and
// rejects updates past the epoch's end_at + grace_period.
func (co *Coordinator) UpdateStatus(epochID, minerID string, listingsScraped int, uploadComplete bool, status string) error {
	e, err := co.store.GetEpoch(epochID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("coordinator: unknown epoch %s", epochID)
	}

	if time.Now().After(e.EndAt.Add(co.cfg.Coordinator.GracePeriod)) {
		return ErrEpochClosed
	}

	return co.store.PutSubmissionStatus(&storage.SubmissionStatus{
		MinerID:         minerID,
		EpochID:         epochID,
		ListingsScraped: listingsScraped,
		UploadComplete:  uploadComplete,
		Status:          status,
		UpdatedAt:       time.Now().Unix(),
	})
}

// GetEpochMetadata returns the full epoch record, honeypots included,
// for validator consumption.
func (co *Coordinator) GetEpochMetadata(epochID string) (*epoch.Epoch, error) {
	e, err := co.store.GetEpoch(epochID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("coordinator: unknown epoch %s", epochID)
	}
	return e, nil
}

// CurrentEpochID returns the coordinator's last-sealed epoch ID.
func (co *Coordinator) CurrentEpochID() string {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return co.currentID
}
