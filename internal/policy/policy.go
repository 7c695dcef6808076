// Package policy implements abuse protection for the coordinator's HTTP
// surface: per-caller rate limiting, malformed-envelope tracking, and
// miner_id blacklist/whitelist enforcement.
package policy

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/storage"
	"github.com/zipcode-subnet/validator-core/internal/util"
)

// Config holds policy configuration.
type Config struct {
	// Banning configuration
	BanningEnabled bool
	BanTimeout     time.Duration // How long to ban a miner_id
	InvalidPercent float32       // Ratio of rejected submissions to trigger ban
	CheckThreshold int32         // Minimum submissions before checking ratio
	MalformedLimit int32         // Max malformed envelopes before ban

	// Rate limiting configuration
	RateLimitEnabled bool
	RequestLimit     int32         // Max requests per miner_id per interval
	ConnectionGrace  time.Duration // Grace period after startup
	LimitJump        int32         // How much to increase limit on an accepted submission

	// Score-based rate limiting
	ScoreEnabled     bool
	MaxScore         int32         // Maximum score before temporary ban
	ScoreResetTime   time.Duration // How often to reset scores
	ScoreTempBanTime time.Duration // How long to temp ban when max score reached

	// Action costs (added to score)
	CostRejectedSubmission int32 // Cost for a tier-failing submission
	CostMalformed          int32 // Cost for a malformed envelope
	CostRequest            int32 // Cost for any API request
	CostAuthFailure        int32 // Cost for a failed signature check

	// Reset intervals
	ResetInterval   time.Duration // How often to reset stats
	RefreshInterval time.Duration // How often to refresh blacklist/whitelist
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		BanningEnabled: true,
		BanTimeout:     30 * time.Minute,
		InvalidPercent: 50.0,
		CheckThreshold: 20,
		MalformedLimit: 5,

		RateLimitEnabled: true,
		RequestLimit:     30,
		ConnectionGrace:  5 * time.Minute,
		LimitJump:        5,

		ScoreEnabled:     true,
		MaxScore:         100,
		ScoreResetTime:   1 * time.Minute,
		ScoreTempBanTime: 5 * time.Minute,

		CostRejectedSubmission: 10,
		CostMalformed:          25,
		CostRequest:            1,
		CostAuthFailure:        15,

		ResetInterval:   1 * time.Hour,
		RefreshInterval: 5 * time.Minute,
	}
}

// callerStats tracks per-miner_id statistics.
type callerStats struct {
	mu                  sync.Mutex
	LastBeat            int64
	BannedAt            int64
	AcceptedSubmissions int32
	RejectedSubmissions int32
	Malformed           int32
	RequestLimit        int32
	Banned              int32
	Score               int32
	LastScoreReset      int64
}

// Server enforces the policies above and mirrors blacklist/whitelist state
// from storage so decisions survive a coordinator restart.
type Server struct {
	config *Config
	store  *storage.Client

	statsMu sync.RWMutex
	stats   map[string]*callerStats

	listMu    sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}

	startedAt int64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a new policy server.
func NewServer(cfg *Config, store *storage.Client) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Server{
		config:    cfg,
		store:     store,
		stats:     make(map[string]*callerStats),
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		startedAt: time.Now().UnixMilli(),
		quit:      make(chan struct{}),
	}
}

// Start begins the policy server background tasks.
func (p *Server) Start() {
	util.Info("Starting policy server...")

	p.refreshLists()

	p.wg.Add(1)
	go p.resetLoop()

	p.wg.Add(1)
	go p.refreshLoop()

	util.Info("Policy server started")
}

// Stop shuts down the policy server.
func (p *Server) Stop() {
	close(p.quit)
	p.wg.Wait()
	util.Info("Policy server stopped")
}

func (p *Server) resetLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

func (p *Server) refreshLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.refreshLists()
		}
	}
}

func (p *Server) resetStats() {
	now := time.Now().UnixMilli()
	banTimeout := p.config.BanTimeout.Milliseconds()
	staleTimeout := p.config.ResetInterval.Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed, unbanned := 0, 0

	for minerID, stats := range p.stats {
		stats.mu.Lock()

		if stats.BannedAt > 0 && now-stats.BannedAt >= banTimeout {
			stats.BannedAt = 0
			if atomic.CompareAndSwapInt32(&stats.Banned, 1, 0) {
				unbanned++
				util.Infof("Ban expired for miner %s", minerID)
			}
		}

		if now-stats.LastBeat >= staleTimeout && stats.Banned == 0 {
			stats.mu.Unlock()
			delete(p.stats, minerID)
			removed++
			continue
		}

		stats.mu.Unlock()
	}

	if removed > 0 || unbanned > 0 {
		util.Debugf("Policy stats reset: removed %d stale, unbanned %d miners", removed, unbanned)
	}
}

func (p *Server) refreshLists() {
	if p.store == nil {
		return
	}

	blacklist, err := p.store.GetBlacklist()
	if err != nil {
		util.Warnf("Failed to load blacklist: %v", err)
	} else {
		p.listMu.Lock()
		p.blacklist = make(map[string]struct{})
		for _, id := range blacklist {
			p.blacklist[strings.ToLower(id)] = struct{}{}
		}
		p.listMu.Unlock()
	}

	whitelist, err := p.store.GetWhitelist()
	if err != nil {
		util.Warnf("Failed to load whitelist: %v", err)
	} else {
		p.listMu.Lock()
		p.whitelist = make(map[string]struct{})
		for _, id := range whitelist {
			p.whitelist[strings.ToLower(id)] = struct{}{}
		}
		p.listMu.Unlock()
	}
}

func (p *Server) getStats(minerID string) *callerStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[minerID]
	if !ok {
		stats = &callerStats{
			LastBeat:     time.Now().UnixMilli(),
			RequestLimit: p.config.RequestLimit,
		}
		p.stats[minerID] = stats
	} else {
		stats.LastBeat = time.Now().UnixMilli()
	}

	return stats
}

// IsBanned reports whether a miner_id is currently temp-banned.
func (p *Server) IsBanned(minerID string) bool {
	if !p.config.BanningEnabled {
		return false
	}
	stats := p.getStats(minerID)
	return atomic.LoadInt32(&stats.Banned) > 0
}

// ApplyRequestLimit consumes one request from the per-miner allowance.
func (p *Server) ApplyRequestLimit(minerID string) bool {
	if !p.config.RateLimitEnabled {
		return true
	}
	if time.Now().UnixMilli()-p.startedAt < p.config.ConnectionGrace.Milliseconds() {
		return true
	}

	stats := p.getStats(minerID)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.RequestLimit--
	return stats.RequestLimit >= 0
}

// CheckBlacklist rejects a known-bad miner_id outright.
func (p *Server) CheckBlacklist(minerID string) bool {
	p.listMu.RLock()
	_, blacklisted := p.blacklist[strings.ToLower(minerID)]
	p.listMu.RUnlock()

	if blacklisted {
		util.Warnf("Blacklisted miner %s rejected", minerID)
		return false
	}
	return true
}

// ApplyMalformedPolicy tracks malformed envelopes and bans past the limit.
func (p *Server) ApplyMalformedPolicy(minerID string) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(minerID)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.Malformed++
	if stats.Malformed >= p.config.MalformedLimit {
		stats.mu.Unlock()
		p.Ban(minerID)
		stats.mu.Lock()
		return false
	}
	return true
}

// ApplySubmissionOutcome tracks tier outcomes and bans on a high rejection
// ratio once enough samples have been seen.
func (p *Server) ApplySubmissionOutcome(minerID string, accepted bool) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(minerID)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	if accepted {
		stats.AcceptedSubmissions++
		if p.config.RateLimitEnabled {
			stats.RequestLimit += p.config.LimitJump
		}
	} else {
		stats.RejectedSubmissions++
	}

	total := stats.AcceptedSubmissions + stats.RejectedSubmissions
	if total < p.config.CheckThreshold {
		return true
	}

	rejectRatio := float32(stats.RejectedSubmissions) / float32(stats.AcceptedSubmissions+1) * 100

	stats.AcceptedSubmissions = 0
	stats.RejectedSubmissions = 0

	if rejectRatio >= p.config.InvalidPercent {
		util.Warnf("Banning miner %s: rejection ratio %.1f%% >= %.1f%%", minerID, rejectRatio, p.config.InvalidPercent)
		stats.mu.Unlock()
		p.Ban(minerID)
		stats.mu.Lock()
		return false
	}
	return true
}

// AddScore adds to a miner's abuse score and reports whether it is still
// under the limit.
func (p *Server) AddScore(minerID string, cost int32) bool {
	if !p.config.ScoreEnabled {
		return true
	}

	stats := p.getStats(minerID)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := time.Now().Unix()
	if now-stats.LastScoreReset >= int64(p.config.ScoreResetTime.Seconds()) {
		stats.Score = 0
		stats.LastScoreReset = now
	}

	stats.Score += cost

	if stats.Score >= p.config.MaxScore {
		util.Warnf("Score limit exceeded for miner %s: %d >= %d", minerID, stats.Score, p.config.MaxScore)
		stats.Score = 0

		if p.config.ScoreTempBanTime > 0 {
			stats.BannedAt = time.Now().UnixMilli()
			atomic.StoreInt32(&stats.Banned, 1)
		}
		return false
	}
	return true
}

// ApplyRequestScore applies the flat per-request cost.
func (p *Server) ApplyRequestScore(minerID string) bool {
	return p.AddScore(minerID, p.config.CostRequest)
}

// ApplyAuthFailureScore applies the signature-failure cost.
func (p *Server) ApplyAuthFailureScore(minerID string) bool {
	return p.AddScore(minerID, p.config.CostAuthFailure)
}

// ApplyRejectedSubmissionScore applies the tier-failure cost.
func (p *Server) ApplyRejectedSubmissionScore(minerID string) bool {
	return p.AddScore(minerID, p.config.CostRejectedSubmission)
}

// ApplyMalformedScore applies the malformed-envelope cost.
func (p *Server) ApplyMalformedScore(minerID string) bool {
	return p.AddScore(minerID, p.config.CostMalformed)
}

// Ban temp-bans a miner_id unless it is whitelisted.
func (p *Server) Ban(minerID string) {
	if !p.config.BanningEnabled {
		return
	}

	p.listMu.RLock()
	_, whitelisted := p.whitelist[strings.ToLower(minerID)]
	p.listMu.RUnlock()

	if whitelisted {
		util.Debugf("Miner %s is whitelisted, not banning", minerID)
		return
	}

	stats := p.getStats(minerID)
	stats.mu.Lock()
	stats.BannedAt = time.Now().UnixMilli()
	stats.mu.Unlock()

	if atomic.CompareAndSwapInt32(&stats.Banned, 0, 1) {
		util.Infof("Banned miner: %s", minerID)
	}
}

// IsWhitelisted reports whether a miner_id is on the whitelist.
func (p *Server) IsWhitelisted(minerID string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.whitelist[strings.ToLower(minerID)]
	return ok
}

// IsBlacklisted reports whether a miner_id is on the blacklist.
func (p *Server) IsBlacklisted(minerID string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.blacklist[strings.ToLower(minerID)]
	return ok
}

// GetStats returns total tracked miners and how many are currently banned.
func (p *Server) GetStats() (total, banned int) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		if atomic.LoadInt32(&stats.Banned) > 0 {
			banned++
		}
	}
	return
}

// AddToBlacklist adds a miner_id to the blacklist, persisting to storage.
func (p *Server) AddToBlacklist(minerID string) error {
	if p.store != nil {
		if err := p.store.AddToBlacklist(minerID); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.blacklist[strings.ToLower(minerID)] = struct{}{}
	p.listMu.Unlock()

	return nil
}

// AddToWhitelist adds a miner_id to the whitelist, persisting to storage.
func (p *Server) AddToWhitelist(minerID string) error {
	if p.store != nil {
		if err := p.store.AddToWhitelist(minerID); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.whitelist[strings.ToLower(minerID)] = struct{}{}
	p.listMu.Unlock()

	return nil
}
