package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/observability"
)

// Manager owns every SingleDBPool in the process and routes acquire and
// release by pool name. Reconfiguration swaps whole pool objects; callers
// holding a connection from a replaced pool can still release it because
// release routes through the connection's own pool reference.
type Manager struct {
	logger   observability.Logger
	settings Settings
	metrics  *Metrics
	opts     []Option

	mu        sync.RWMutex
	pools     map[string]*SingleDBPool
	destroyed bool
}

// NewManager builds an empty manager. Pools are added with ConfigurePools
// or ConfigureOne.
func NewManager(settings Settings, logger observability.Logger, opts ...Option) *Manager {
	return &Manager{
		logger:   logger,
		settings: settings,
		opts:     opts,
		pools:    make(map[string]*SingleDBPool),
	}
}

// WithManagerMetrics attaches shared Prometheus collectors to every pool the
// manager creates.
func (m *Manager) WithManagerMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

var (
	globalMu      sync.Mutex
	globalManager *Manager
	globalGone    bool
)

// Initialize installs the process-wide manager. The first call wins;
// subsequent calls return the existing instance.
func Initialize(settings Settings, logger observability.Logger, opts ...Option) *Manager {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalManager == nil && !globalGone {
		globalManager = NewManager(settings, logger, opts...)
	}
	return globalManager
}

// Instance returns the process-wide manager. After Destroy the manager is
// gone for good and every caller gets an error.
func Instance() (*Manager, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalGone {
		return nil, apperr.New(apperr.KindPool, "pool manager has been destroyed")
	}
	if globalManager == nil {
		return nil, apperr.New(apperr.KindPool, "pool manager is not initialized")
	}
	return globalManager, nil
}

// Destroy shuts the process-wide manager down and marks it terminally gone.
func Destroy() {
	globalMu.Lock()
	m := globalManager
	globalManager = nil
	globalGone = true
	globalMu.Unlock()

	if m != nil {
		m.Shutdown()
	}
}

// ConfigurePools replaces the whole pool set with pools built from the
// given configurations. Pools that keep their name are still replaced;
// removed and replaced pools are shut down after the swap.
func (m *Manager) ConfigurePools(configs []config.ConnectionConfig) error {
	fresh := make(map[string]*SingleDBPool, len(configs))
	for i := range configs {
		cfg := configs[i]
		if _, dup := fresh[cfg.Name]; dup {
			for _, p := range fresh {
				p.Shutdown()
			}
			return apperr.Newf(apperr.KindConfig, "duplicate pool name %q", cfg.Name)
		}
		fresh[cfg.Name] = m.newPool(cfg)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		for _, p := range fresh {
			p.Shutdown()
		}
		return apperr.New(apperr.KindPool, "pool manager has been destroyed")
	}
	old := m.pools
	m.pools = fresh
	m.mu.Unlock()

	for name, p := range old {
		m.logger.Info("shutting down replaced pool", observability.String("pool", name))
		p.Shutdown()
	}
	return nil
}

// ConfigureOne adds or replaces a single pool without touching the others.
func (m *Manager) ConfigureOne(cfg config.ConnectionConfig) error {
	p := m.newPool(cfg)

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		p.Shutdown()
		return apperr.New(apperr.KindPool, "pool manager has been destroyed")
	}
	old := m.pools[cfg.Name]
	m.pools[cfg.Name] = p
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("shutting down replaced pool", observability.String("pool", cfg.Name))
		old.Shutdown()
	}
	return nil
}

func (m *Manager) newPool(cfg config.ConnectionConfig) *SingleDBPool {
	opts := m.opts
	if m.metrics != nil {
		opts = append(append([]Option(nil), opts...), WithMetrics(m.metrics))
	}
	return New(cfg, m.settings, m.logger, opts...)
}

// Pool looks up a pool by name.
func (m *Manager) Pool(name string) (*SingleDBPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.destroyed {
		return nil, apperr.New(apperr.KindPool, "pool manager has been destroyed")
	}
	p, ok := m.pools[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindPool, "no pool named %q", name)
	}
	return p, nil
}

// Acquire checks a connection out of the named pool.
func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration) (*PooledConnection, error) {
	p, err := m.Pool(name)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx, timeout)
}

// Release hands a connection back to the pool that lent it out, resolved by
// the connection's own pool name. A connection whose pool no longer exists
// is destroyed so it cannot leak.
func (m *Manager) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}

	m.mu.RLock()
	p := m.pools[pc.PoolName()]
	m.mu.RUnlock()

	if p == nil {
		m.logger.Error("release for unknown pool, destroying connection",
			observability.String("pool", pc.PoolName()),
			observability.String("conn", pc.ID()))
		pc.close()
		return
	}
	p.Release(pc)
}

// GetPoolStats returns the snapshot of one pool.
func (m *Manager) GetPoolStats(name string) (Stats, error) {
	p, err := m.Pool(name)
	if err != nil {
		return Stats{}, err
	}
	return p.Stats(), nil
}

// GetAllPoolsStats returns the snapshots of every pool, ordered by name.
func (m *Manager) GetAllPoolsStats() []Stats {
	m.mu.RLock()
	pools := make([]*SingleDBPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	stats := make([]Stats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Pool < stats[j].Pool })
	return stats
}

// ValidateAll pings every idle connection in every pool.
func (m *Manager) ValidateAll(ctx context.Context) (ok, failed int) {
	m.mu.RLock()
	pools := make([]*SingleDBPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		o, f := p.ValidateIdle(ctx)
		ok += o
		failed += f
	}
	return ok, failed
}

// TrimAll shrinks every pool's idle queue down to its minimum size.
func (m *Manager) TrimAll() int {
	m.mu.RLock()
	pools := make([]*SingleDBPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	trimmed := 0
	for _, p := range pools {
		trimmed += p.Trim()
	}
	return trimmed
}

// Shutdown drains every pool. The manager cannot be used afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	pools := m.pools
	m.pools = make(map[string]*SingleDBPool)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, p := range pools {
		wg.Add(1)
		go func(name string, p *SingleDBPool) {
			defer wg.Done()
			p.Shutdown()
			m.logger.Info("pool shut down", observability.String("pool", name))
		}(name, p)
	}
	wg.Wait()
}
