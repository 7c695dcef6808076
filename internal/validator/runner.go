package validator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/antigaming"
	"github.com/zipcode-subnet/validator-core/internal/config"
	"github.com/zipcode-subnet/validator-core/internal/consensus"
	"github.com/zipcode-subnet/validator-core/internal/epoch"
	"github.com/zipcode-subnet/validator-core/internal/notify"
	"github.com/zipcode-subnet/validator-core/internal/objectstore"
	"github.com/zipcode-subnet/validator-core/internal/rpc"
	"github.com/zipcode-subnet/validator-core/internal/scoring"
	"github.com/zipcode-subnet/validator-core/internal/scraper"
	"github.com/zipcode-subnet/validator-core/internal/storage"
	"github.com/zipcode-subnet/validator-core/internal/util"
)

// Runner drives one validator's pass over an epoch end to end: gather every
// miner's submission, run the three-tier pipeline and anti-gaming scan per
// zipcode, aggregate the epoch result, reconcile the result hash against
// every peer validator, and publish to the weight-setter sink once a
// majority is reached.
type Runner struct {
	cfg       *config.Config
	store     *storage.Client
	objects   *objectstore.Store
	scraper   scraper.Interface
	gossip    *consensus.GossipServer
	publisher *rpc.WeightSetterClient
	notifier  *notify.Notifier

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// SetNotifier wires an optional webhook notifier; unwired, the runner
// silently skips alerting.
func (r *Runner) SetNotifier(n *notify.Notifier) {
	r.notifier = n
}

// NewRunner wires a validator pass around its dependencies.
func NewRunner(cfg *config.Config, store *storage.Client, objects *objectstore.Store, sc scraper.Interface, gossip *consensus.GossipServer, publisher *rpc.WeightSetterClient) *Runner {
	return &Runner{
		cfg:       cfg,
		store:     store,
		objects:   objects,
		scraper:   sc,
		gossip:    gossip,
		publisher: publisher,
		stopCh:    make(chan struct{}),
	}
}

// Start polls for epochs that have closed and finalizes each one exactly
// once, on an interval short enough that finalization starts promptly
// after an epoch's grace period ends.
func (r *Runner) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop halts the poll loop.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			id, err := r.store.GetCurrentEpochID()
			if err != nil || id == "" {
				continue
			}
			e, err := r.store.GetEpoch(id)
			if err != nil || e == nil {
				continue
			}
			if time.Now().Before(e.EndAt.Add(r.cfg.Coordinator.GracePeriod)) {
				continue
			}
			if res, err := r.store.GetEpochResult(id); err == nil && res != nil {
				continue // already finalized
			}
			if err := r.FinalizeEpoch(ctx, e); err != nil {
				util.Warnf("Finalizing epoch %s failed: %v", id, err)
			}
		}
	}
}

// FinalizeEpoch runs the full C3–C6 pass for one closed epoch: evaluate
// every submission, score every zipcode, aggregate the epoch result,
// reconcile consensus, and publish on majority.
func (r *Runner) FinalizeEpoch(ctx context.Context, e *epoch.Epoch) error {
	submissions, err := r.gatherSubmissions(ctx, e)
	if err != nil {
		return fmt.Errorf("validator: gather submissions for %s: %w", e.ID, err)
	}

	cache := NewVerifyCache()
	params := Params{
		QuantityTolerance: r.cfg.Tiers.Tier1QuantityTolerance,
		Tier2: Tier2Thresholds{
			FieldCompleteness: r.cfg.Tiers.Tier2Completeness,
			ReasonableValues:  r.cfg.Tiers.Tier2ReasonableValues,
			DataConsistency:   r.cfg.Tiers.Tier2DataConsistency,
			MaxDuplicateRate:  r.cfg.Tiers.Tier2MaxDuplicateRate,
		},
		Tier3: Tier3Params{
			MinSamples:        r.cfg.Tiers.Tier3MinSamples,
			MaxSamples:        r.cfg.Tiers.Tier3MaxSamples,
			SampleFraction:    r.cfg.Tiers.Tier3SampleFraction,
			PassRateThreshold: r.cfg.Tiers.Tier3PassRateThreshold,
			PriceTolerancePct: r.cfg.Tiers.Tier3PriceTolerancePct,
			PriceToleranceAbs: r.cfg.Tiers.Tier3PriceToleranceAbs,
			AreaTolerancePct:  r.cfg.Tiers.Tier3AreaTolerancePct,
		},
	}
	antigamingTh := antigaming.Thresholds{
		CrossMinerDuplicateShare: r.cfg.AntiGaming.CrossMinerDuplicateShare,
		AnomalyRateThreshold:     r.cfg.AntiGaming.AnomalyRateThreshold,
		PriceZScoreThreshold:     r.cfg.AntiGaming.PriceZScoreThreshold,
	}

	report := objectstore.ValidationReport{
		EpochID:     e.ID,
		ValidatorID: r.cfg.Validator.ID,
		Results:     map[string][]epoch.TierResult{},
		Rankings:    map[string]epoch.ZipcodeRanking{},
	}

	var rankings []epoch.ZipcodeRanking
	for _, assignment := range e.Zipcodes {
		duplicates := antigaming.DetectCrossMinerDuplicates(submissions, assignment.Zipcode, antigamingTh)
		duplicateMiners := map[string]bool{}
		for _, d := range duplicates {
			for _, minerID := range d.MinerIDs {
				duplicateMiners[minerID] = true
			}
		}

		results := map[string]epoch.TierResult{}
		for minerID, sub := range submissions {
			listings := sub.ListingsByZip[assignment.Zipcode]
			if len(listings) == 0 {
				continue
			}

			tr, err := Evaluate(ctx, r.scraper, cache, e.ID, e.Nonce, assignment, sub, e.StartAt, e.EndAt, params)
			if err != nil {
				util.Warnf("Evaluate %s/%s failed: %v", minerID, assignment.Zipcode, err)
				continue
			}

			anomaly := antigaming.DetectAnomalies(listings, antigamingTh)
			if anomaly.SyntheticFlagged || duplicateMiners[minerID] {
				tr.Tier2.SyntheticFlagged = true
				tr.Tier2.Passes = false
			}

			if tr.HoneypotTriggered && r.notifier != nil {
				r.notifier.NotifyHoneypotTriggered(e.ID, minerID, assignment.Zipcode)
			}

			results[minerID] = tr
		}

		ranked := []epoch.TierResult{}
		for _, tr := range results {
			ranked = append(ranked, tr)
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].MinerID < ranked[j].MinerID })
		report.Results[assignment.Zipcode] = ranked

		ranking := scoring.RankZipcode(assignment, submissionsSlice(submissions), results)
		report.Rankings[assignment.Zipcode] = ranking
		if !assignment.IsHoneypot {
			rankings = append(rankings, ranking)
		}
	}

	result := scoring.AggregateEpoch(e.ID, rankings)

	hash, err := consensus.Hash(result)
	if err != nil {
		return fmt.Errorf("validator: hash epoch result: %w", err)
	}

	if err := r.store.PutEpochResult(&result); err != nil {
		return fmt.Errorf("validator: persist epoch result: %w", err)
	}
	if err := r.objects.PutJSON(ctx, objectstore.ValidatorResultKey(r.cfg.Validator.ID, e.ID), result); err != nil {
		util.Warnf("Archiving epoch result failed: %v", err)
	}
	if err := r.objects.PutJSON(ctx, objectstore.ValidatorReportKey(r.cfg.Validator.ID, e.ID), report); err != nil {
		util.Warnf("Archiving validation report failed: %v", err)
	}

	if err := r.gossip.Broadcast(e.ID, hash); err != nil {
		return fmt.Errorf("validator: broadcast consensus hash: %w", err)
	}

	return r.reconcileAndPublish(ctx, e.ID, result, hash)
}

// reconcileAndPublish waits briefly for peer hashes to arrive over gossip,
// reconciles the majority verdict, and publishes to the weight-setter sink
// only when consensus was reached.
func (r *Runner) reconcileAndPublish(ctx context.Context, epochID string, result epoch.EpochResult, localHash string) error {
	deadline := time.Now().Add(r.cfg.Validator.WeightPublishBudget)
	var hashes map[string]string

	for {
		var err error
		hashes, err = r.gossip.PeerHashes(epochID)
		if err != nil {
			return fmt.Errorf("validator: peer hashes: %w", err)
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Second)
	}

	verdict, winningHash := consensus.Reconcile(hashes, r.cfg.Validator.MajorityThreshold)
	if verdict == consensus.VerdictFailed {
		util.Warnf("Consensus failed for epoch %s: %d validators reporting, no majority", epochID, len(hashes))
		if r.notifier != nil {
			r.notifier.NotifyConsensusFailed(epochID, len(hashes), hashes)
		}
		return nil
	}

	for _, id := range consensus.OutlierValidators(hashes, winningHash) {
		if _, err := r.store.IncrOutlierScore(id); err != nil {
			util.Warnf("Recording outlier score for %s failed: %v", id, err)
		}
	}

	if winningHash != localHash {
		// This validator was in the minority; only the majority's
		// validator(s) publish, so it sits this epoch's publication out.
		return nil
	}

	pub := rpc.WeightPublication{
		EpochID:        epochID,
		MinerScores:    result.MinerScores,
		ZipcodeWeights: result.ZipcodeWeights,
		ConsensusHash:  winningHash,
	}
	if _, err := r.publisher.Publish(ctx, pub); err != nil {
		return fmt.Errorf("validator: publish weights: %w", err)
	}

	if r.notifier != nil {
		r.notifier.NotifyEpochFinalized(epochID, result.TotalEpochListings, result.TotalWinners, winningHash)
	}
	return nil
}

// gatherSubmissions reconstructs every reporting miner's submission for an
// epoch from object storage, using the storage layer's own commit time as
// submitted_at rather than anything the miner self-reported.
func (r *Runner) gatherSubmissions(ctx context.Context, e *epoch.Epoch) (map[string]epoch.MinerSubmission, error) {
	minerIDs, err := r.store.ListReportingMiners(e.ID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]epoch.MinerSubmission, len(minerIDs))
	for _, minerID := range minerIDs {
		sub := epoch.MinerSubmission{
			MinerID:       minerID,
			EpochID:       e.ID,
			ListingsByZip: map[string][]epoch.Listing{},
			Sealed:        true,
		}

		var latestCommit time.Time
		for _, assignment := range e.Zipcodes {
			key := objectstore.MinerSubmissionKey(minerID, e.ID, assignment.Zipcode)
			var listings []epoch.Listing
			if err := r.objects.GetJSON(ctx, key, &listings); err != nil {
				continue // miner never submitted this zipcode
			}
			sub.ListingsByZip[assignment.Zipcode] = listings

			commit, err := r.objects.CommitTime(ctx, key)
			if err == nil && commit.After(latestCommit) {
				latestCommit = commit
			}
		}
		sub.SubmittedAt = latestCommit
		out[minerID] = sub
	}
	return out, nil
}

func submissionsSlice(m map[string]epoch.MinerSubmission) []epoch.MinerSubmission {
	out := make([]epoch.MinerSubmission, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinerID < out[j].MinerID })
	return out
}
