// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/zipcode-subnet/validator-core/internal/config"
	"github.com/zipcode-subnet/validator-core/internal/util"
)

// Agent wraps New Relic APM functionality
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application (for middleware)
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds transaction to context
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets transaction from context
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordSubmissionEvaluated records one miner's submission passing (or
// failing) a tier of the validation pipeline for a zipcode.
func (a *Agent) RecordSubmissionEvaluated(minerID, zipcode, tier string, passed bool) {
	status := "passed"
	if !passed {
		status = "failed"
	}
	a.RecordCustomEvent("SubmissionEvaluated", map[string]interface{}{
		"miner_id": minerID,
		"zipcode":  zipcode,
		"tier":     tier,
		"status":   status,
	})
}

// RecordEpochFinalized records a validator reaching and publishing
// consensus for an epoch.
func (a *Agent) RecordEpochFinalized(epochID string, totalListings, totalWinners int, consensusHash string) {
	a.RecordCustomEvent("EpochFinalized", map[string]interface{}{
		"epoch_id":       epochID,
		"total_listings": totalListings,
		"total_winners":  totalWinners,
		"consensus_hash": consensusHash,
	})
}

// RecordConsensusFailed records an epoch for which no hash reached the
// majority threshold across gossiping validators.
func (a *Agent) RecordConsensusFailed(epochID string, validatorCount, distinctHashes int) {
	a.RecordCustomEvent("ConsensusFailed", map[string]interface{}{
		"epoch_id":        epochID,
		"validator_count": validatorCount,
		"distinct_hashes": distinctHashes,
	})
}

// RecordHoneypotTriggered records a miner submitting listings for an
// unpublished honeypot zipcode.
func (a *Agent) RecordHoneypotTriggered(epochID, minerID, zipcode string) {
	a.RecordCustomEvent("HoneypotTriggered", map[string]interface{}{
		"epoch_id": epochID,
		"miner_id": minerID,
		"zipcode":  zipcode,
	})
}

// RecordOutlierValidator records a validator whose consensus hash lost the
// majority vote for an epoch.
func (a *Agent) RecordOutlierValidator(epochID, validatorID string) {
	a.RecordCustomEvent("OutlierValidator", map[string]interface{}{
		"epoch_id":     epochID,
		"validator_id": validatorID,
	})
}

// UpdateSubnetMetrics updates subnet-wide metrics: reporting miners, active
// validators, and listings scraped in the current epoch.
func (a *Agent) UpdateSubnetMetrics(reportingMiners, activeValidators, epochListings int64) {
	a.RecordCustomMetric("Custom/Subnet/ReportingMiners", float64(reportingMiners))
	a.RecordCustomMetric("Custom/Subnet/ActiveValidators", float64(activeValidators))
	a.RecordCustomMetric("Custom/Subnet/EpochListings", float64(epochListings))
}
