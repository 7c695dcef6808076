package objectstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zipcode-subnet/validator-core/internal/util"
)

// backendState tracks one backend's rolling health.
type backendState struct {
	backend Backend

	mu           sync.RWMutex
	healthy      bool
	failCount    int32
	successCount int32
	lastCheck    time.Time
}

// Manager holds an ordered list of backends and fails over to the next
// healthy one when the active backend starts erroring, mirroring the
// primary/secondary selection a multi-upstream RPC client uses.
type Manager struct {
	backends []*backendState

	activeIdx int32

	maxFailures       int32
	recoveryThreshold int32
	checkInterval     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager over an ordered preference list of
// backends; backends[0] is preferred when all are healthy.
func NewManager(ctx context.Context, backends []Backend, checkInterval time.Duration) *Manager {
	mgrCtx, cancel := context.WithCancel(ctx)

	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	m := &Manager{
		maxFailures:       3,
		recoveryThreshold: 2,
		checkInterval:     checkInterval,
		ctx:               mgrCtx,
		cancel:            cancel,
	}
	for _, b := range backends {
		m.backends = append(m.backends, &backendState{backend: b, healthy: true})
	}
	return m
}

// Start begins the periodic health-check loop.
func (m *Manager) Start() {
	if len(m.backends) == 0 {
		util.Warn("objectstore: no backends configured")
		return
	}
	m.checkAll()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.checkAll()
			}
		}
	}()
}

// Stop halts the health-check loop.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) checkAll() {
	var wg sync.WaitGroup
	for _, b := range m.backends {
		wg.Add(1)
		go func(b *backendState) {
			defer wg.Done()
			m.checkOne(b)
		}(b)
	}
	wg.Wait()
	m.selectActive()
}

func (m *Manager) checkOne(b *backendState) {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	ok := b.backend.Healthy(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCheck = time.Now()

	if !ok {
		b.failCount++
		b.successCount = 0
		if b.failCount >= m.maxFailures && b.healthy {
			b.healthy = false
			util.Warnf("objectstore backend %s marked unhealthy", b.backend.Name())
		}
		return
	}

	b.successCount++
	if !b.healthy && b.successCount >= m.recoveryThreshold {
		b.healthy = true
		b.failCount = 0
		util.Infof("objectstore backend %s recovered", b.backend.Name())
	} else if b.healthy {
		b.failCount = 0
	}
}

func (m *Manager) selectActive() {
	for i, b := range m.backends {
		b.mu.RLock()
		healthy := b.healthy
		b.mu.RUnlock()
		if healthy {
			atomic.StoreInt32(&m.activeIdx, int32(i))
			return
		}
	}
	util.Warn("objectstore: no healthy backend available")
}

// Active returns the currently-preferred healthy backend.
func (m *Manager) Active() Backend {
	if len(m.backends) == 0 {
		return nil
	}
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && int(idx) < len(m.backends) {
		return m.backends[idx].backend
	}
	return m.backends[0].backend
}

// Name identifies the manager by its currently-active backend, so a
// Manager can stand in for a single Backend wherever one is expected.
func (m *Manager) Name() string {
	if b := m.Active(); b != nil {
		return "failover:" + b.Name()
	}
	return "failover:none"
}

// Put tries each backend in preference order, starting at backends[0]
// whichever backend is active, and stops at the first that accepts the write.
func (m *Manager) Put(ctx context.Context, key string, data []byte) error {
	var lastErr error
	for _, b := range m.backends {
		if err := b.backend.Put(ctx, key, data); err == nil {
			return nil
		} else {
			lastErr = err
			util.Warnf("objectstore backend %s put failed: %v", b.backend.Name(), err)
		}
	}
	if lastErr == nil {
		return fmt.Errorf("objectstore: no backends configured")
	}
	return fmt.Errorf("objectstore: all backends failed: %w", lastErr)
}

// Get reads from the active backend.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	b := m.Active()
	if b == nil {
		return nil, fmt.Errorf("objectstore: no healthy backend available")
	}
	return b.Get(ctx, key)
}

// CommitTime reads the active backend's recorded write time for key.
func (m *Manager) CommitTime(ctx context.Context, key string) (time.Time, error) {
	b := m.Active()
	if b == nil {
		return time.Time{}, fmt.Errorf("objectstore: no healthy backend available")
	}
	return b.CommitTime(ctx, key)
}

// Healthy reports whether the manager has any healthy backend at all.
func (m *Manager) Healthy(ctx context.Context) bool {
	for _, b := range m.backends {
		b.mu.RLock()
		healthy := b.healthy
		b.mu.RUnlock()
		if healthy {
			return true
		}
	}
	return false
}
