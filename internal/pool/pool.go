// Package pool implements the self-healing database connection pools and
// their process-wide manager. One SingleDBPool owns the sessions of one
// configured endpoint; the Manager routes acquire and release by pool name.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/driver"
	"github.com/posbridge/posbridge/internal/observability"
)

// waiterPollInterval bounds how long a waiter sleeps before re-competing,
// so no goroutine can starve behind the condition variable.
const waiterPollInterval = 250 * time.Millisecond

// Settings tunes the pool heuristics shared by every pool.
type Settings struct {
	ValidationInterval time.Duration
	ValidationTimeout  time.Duration
	StaleAfter         time.Duration
	CleanupBudget      time.Duration
	ShutdownGrace      time.Duration
}

// SettingsFromConfig derives pool settings from the configuration tree.
func SettingsFromConfig(db config.DatabaseConfig) Settings {
	return Settings{
		ValidationInterval: time.Duration(db.Validation.IntervalSec) * time.Second,
		ValidationTimeout:  time.Duration(db.Validation.TimeoutSec) * time.Second,
		StaleAfter:         time.Duration(db.Validation.StaleTimeoutSec) * time.Second,
		CleanupBudget:      time.Duration(db.Pool.CleanupBudgetSec) * time.Second,
		ShutdownGrace:      time.Duration(db.Pool.ShutdownGraceSec) * time.Second,
	}
}

// DefaultSettings returns the heuristics used when no tuning is configured.
func DefaultSettings() Settings {
	return Settings{
		ValidationInterval: 5 * time.Minute,
		ValidationTimeout:  5 * time.Second,
		StaleAfter:         time.Hour,
		CleanupBudget:      30 * time.Second,
		ShutdownGrace:      30 * time.Second,
	}
}

// DialFunc creates and connects one driver session.
type DialFunc func(ctx context.Context) (driver.Conn, error)

// Stats is an atomic snapshot of one pool's counters.
type Stats struct {
	Pool              string  `json:"pool"`
	Engine            string  `json:"engine"`
	CurrentSize       int     `json:"currentSize"`
	ActiveCount       int     `json:"activeCount"`
	IdleCount         int     `json:"idleCount"`
	Waiters           int     `json:"waiters"`
	MaxSize           int     `json:"maxSize"`
	MinSize           int     `json:"minSize"`
	TotalCreated      uint64  `json:"totalCreated"`
	TotalAcquired     uint64  `json:"totalAcquired"`
	TotalReleased     uint64  `json:"totalReleased"`
	TotalValidatedOk  uint64  `json:"totalValidatedOk"`
	FailedCreations   uint64  `json:"failedCreations"`
	FailedValidations uint64  `json:"failedValidations"`
	AvgAcquireWaitMs  float64 `json:"avgAcquireWaitMs"`
	ShuttingDown      bool    `json:"shuttingDown"`
}

type counters struct {
	mu                sync.Mutex
	totalCreated      uint64
	totalAcquired     uint64
	totalReleased     uint64
	totalValidatedOk  uint64
	failedCreations   uint64
	failedValidations uint64
	waitTotal         time.Duration
	waitSamples       uint64
}

// SingleDBPool is a bounded pool of driver sessions for one endpoint.
//
// Locking: mu guards the idle queue, the size accounting and the waiter
// bookkeeping; activeMu guards the active set; the counters carry their own
// lock. Moving a connection between the sets is two short critical sections,
// never one long one, and observers never dereference a connection they do
// not hold.
type SingleDBPool struct {
	cfg      config.ConnectionConfig
	settings Settings
	logger   observability.Logger
	dial     DialFunc
	metrics  *Metrics

	mu           sync.Mutex
	cond         *sync.Cond
	idle         []*PooledConnection
	current      int
	waiting      int
	shuttingDown bool

	activeMu sync.Mutex
	active   map[*PooledConnection]struct{}

	stats counters

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a SingleDBPool.
type Option func(*SingleDBPool)

// WithDialFunc overrides how the pool creates sessions. Tests use this to
// avoid real network dials.
func WithDialFunc(dial DialFunc) Option {
	return func(p *SingleDBPool) { p.dial = dial }
}

// WithMetrics attaches Prometheus collectors to the pool.
func WithMetrics(m *Metrics) Option {
	return func(p *SingleDBPool) { p.metrics = m }
}

// New creates a pool for a validated connection configuration and starts
// its background cleanup worker. Pre-warming to minSize happens in the
// background so construction never blocks on the network.
func New(cfg config.ConnectionConfig, settings Settings, logger observability.Logger, opts ...Option) *SingleDBPool {
	p := &SingleDBPool{
		cfg:      cfg,
		settings: settings,
		logger:   logger.With(observability.String("pool", cfg.Name)),
		active:   make(map[*PooledConnection]struct{}),
		stopCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.dial = func(ctx context.Context) (driver.Conn, error) {
		conn, err := driver.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	for _, opt := range opts {
		opt(p)
	}

	if cfg.Pooling.Enabled {
		go p.cleanupLoop()
		if cfg.Pooling.MinSize > 0 {
			go p.replenish(context.Background())
		}
	}

	return p
}

// Name returns the pool name.
func (p *SingleDBPool) Name() string { return p.cfg.Name }

func (p *SingleDBPool) defaultAcquireTimeout() time.Duration {
	return time.Duration(p.cfg.Pooling.AcquireTimeoutMs) * time.Millisecond
}

// Acquire checks a session out of the pool, creating one when the pool has
// headroom and waiting when it is saturated. A non-positive timeout uses the
// pool default.
func (p *SingleDBPool) Acquire(ctx context.Context, timeout time.Duration) (*PooledConnection, error) {
	if !p.cfg.Pooling.Enabled {
		return p.acquireUnpooled(ctx)
	}

	if timeout <= 0 {
		timeout = p.defaultAcquireTimeout()
	}
	deadline := time.Now().Add(timeout)
	start := time.Now()

	p.mu.Lock()
	p.waiting++
	if p.metrics != nil {
		p.metrics.waiters.WithLabelValues(p.cfg.Name).Inc()
	}
	defer func() {
		p.waiting--
		if p.metrics != nil {
			p.metrics.waiters.WithLabelValues(p.cfg.Name).Dec()
		}
		p.mu.Unlock()

		elapsed := time.Since(start)
		p.stats.mu.Lock()
		p.stats.waitTotal += elapsed
		p.stats.waitSamples++
		p.stats.mu.Unlock()
		if p.metrics != nil {
			p.metrics.acquireWait.WithLabelValues(p.cfg.Name).Observe(elapsed.Seconds())
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.KindPool, "acquire cancelled", err)
		}
		if p.shuttingDown {
			return nil, apperr.Newf(apperr.KindPool, "pool %q is shutting down", p.cfg.Name)
		}

		// Reuse an idle session when one is available.
		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if pc.needsValidation(p.settings.ValidationInterval) {
				if err := pc.validate(ctx, p.settings.ValidationTimeout, p.settings.StaleAfter); err != nil {
					p.logger.Warn("validation failed, destroying connection",
						observability.String("conn", pc.ID()),
						observability.Error(err))
					p.countFailedValidation()
					pc.close()
					p.mu.Lock()
					p.current--
					p.cond.Signal()
					continue
				}
				p.countValidatedOk()
			}

			p.checkout(pc)
			p.mu.Lock()
			return pc, nil
		}

		// Grow the pool when under the cap. The slot is reserved before the
		// dial so concurrent acquirers cannot overshoot maxSize.
		if p.current < p.cfg.Pooling.MaxSize {
			p.current++
			p.mu.Unlock()

			conn, err := p.dial(ctx)
			if err != nil {
				p.logger.Error("failed to create connection", observability.Error(err))
				p.countFailedCreation()
				p.mu.Lock()
				p.current--
				p.cond.Signal()
				continue
			}

			pc := newPooledConnection(p.cfg.Name, conn)
			p.countCreated()
			p.checkout(pc)
			p.mu.Lock()
			return pc, nil
		}

		// Saturated: wait, but never longer than the poll interval so a
		// missed signal cannot strand us past the deadline.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, apperr.Newf(apperr.KindPool,
				"acquire timeout after %s on pool %q", timeout, p.cfg.Name)
		}
		wait := remaining
		if wait > waiterPollInterval {
			wait = waiterPollInterval
		}
		timer := time.AfterFunc(wait, p.cond.Broadcast)
		p.cond.Wait()
		timer.Stop()
	}
}

// checkout moves a connection into the active set and counts the acquire.
func (p *SingleDBPool) checkout(pc *PooledConnection) {
	pc.markInUse()
	p.activeMu.Lock()
	p.active[pc] = struct{}{}
	p.activeMu.Unlock()

	p.stats.mu.Lock()
	p.stats.totalAcquired++
	p.stats.mu.Unlock()
	if p.metrics != nil {
		p.metrics.acquired.WithLabelValues(p.cfg.Name).Inc()
	}
}

// acquireUnpooled serves the pooling-disabled path: every acquire creates a
// fresh session and release discards it.
func (p *SingleDBPool) acquireUnpooled(ctx context.Context) (*PooledConnection, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, apperr.Newf(apperr.KindPool, "pool %q is shutting down", p.cfg.Name)
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		p.countFailedCreation()
		return nil, apperr.Wrap(apperr.KindConnection, "creating direct connection", err)
	}

	pc := newPooledConnection(p.cfg.Name, conn)
	pc.markInUse()
	p.countCreated()
	p.stats.mu.Lock()
	p.stats.totalAcquired++
	p.stats.mu.Unlock()
	return pc, nil
}

// Release returns a session to the pool. Connections that are not in the
// inUse state, or that the pool does not recognize, are destroyed rather
// than pooled.
func (p *SingleDBPool) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}

	p.stats.mu.Lock()
	p.stats.totalReleased++
	p.stats.mu.Unlock()
	if p.metrics != nil {
		p.metrics.released.WithLabelValues(p.cfg.Name).Inc()
	}

	if !p.cfg.Pooling.Enabled {
		pc.close()
		return
	}

	p.activeMu.Lock()
	_, known := p.active[pc]
	if known {
		delete(p.active, pc)
	}
	p.activeMu.Unlock()

	if !known {
		// Stale release or a connection this pool never lent out.
		p.logger.Warn("release of unknown connection ignored",
			observability.String("conn", pc.ID()))
		return
	}

	if pc.State() != StateInUse {
		p.logger.Warn("released connection not in use, destroying",
			observability.String("conn", pc.ID()),
			observability.String("state", pc.State().String()))
		p.destroy(pc)
		return
	}

	p.mu.Lock()
	if p.shuttingDown || len(p.idle) >= p.cfg.Pooling.MaxSize {
		p.mu.Unlock()
		p.destroy(pc)
		return
	}
	pc.markIdle()
	p.idle = append(p.idle, pc)
	p.cond.Signal()
	p.mu.Unlock()
}

// destroy closes a connection and gives its slot back to the pool.
func (p *SingleDBPool) destroy(pc *PooledConnection) {
	pc.close()
	p.mu.Lock()
	p.current--
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *SingleDBPool) countCreated() {
	p.stats.mu.Lock()
	p.stats.totalCreated++
	p.stats.mu.Unlock()
	if p.metrics != nil {
		p.metrics.created.WithLabelValues(p.cfg.Name).Inc()
	}
}

func (p *SingleDBPool) countFailedCreation() {
	p.stats.mu.Lock()
	p.stats.failedCreations++
	p.stats.mu.Unlock()
	if p.metrics != nil {
		p.metrics.failedCreations.WithLabelValues(p.cfg.Name).Inc()
	}
}

func (p *SingleDBPool) countFailedValidation() {
	p.stats.mu.Lock()
	p.stats.failedValidations++
	p.stats.mu.Unlock()
	if p.metrics != nil {
		p.metrics.failedValidations.WithLabelValues(p.cfg.Name).Inc()
	}
}

func (p *SingleDBPool) countValidatedOk() {
	p.stats.mu.Lock()
	p.stats.totalValidatedOk++
	p.stats.mu.Unlock()
}

// Stats takes a mutually consistent snapshot of the pool counters.
func (p *SingleDBPool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	current := p.current
	waiting := p.waiting
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	p.activeMu.Lock()
	active := len(p.active)
	p.activeMu.Unlock()

	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()

	var avgWait float64
	if p.stats.waitSamples > 0 {
		avgWait = float64(p.stats.waitTotal.Milliseconds()) / float64(p.stats.waitSamples)
	}

	stats := Stats{
		Pool:              p.cfg.Name,
		Engine:            string(p.cfg.Engine),
		CurrentSize:       current,
		ActiveCount:       active,
		IdleCount:         idle,
		Waiters:           waiting,
		MaxSize:           p.cfg.Pooling.MaxSize,
		MinSize:           p.cfg.Pooling.MinSize,
		TotalCreated:      p.stats.totalCreated,
		TotalAcquired:     p.stats.totalAcquired,
		TotalReleased:     p.stats.totalReleased,
		TotalValidatedOk:  p.stats.totalValidatedOk,
		FailedCreations:   p.stats.failedCreations,
		FailedValidations: p.stats.failedValidations,
		AvgAcquireWaitMs:  avgWait,
		ShuttingDown:      shuttingDown,
	}

	if p.metrics != nil {
		p.metrics.currentSize.WithLabelValues(p.cfg.Name).Set(float64(current))
		p.metrics.activeCount.WithLabelValues(p.cfg.Name).Set(float64(active))
		p.metrics.idleCount.WithLabelValues(p.cfg.Name).Set(float64(idle))
	}

	return stats
}

// cleanupLoop trims aged idle connections and restores minSize on a fixed
// cadence. The interval follows the idle timeout so short-lived idle
// sessions do not linger for long.
func (p *SingleDBPool) cleanupLoop() {
	interval := time.Duration(p.cfg.Pooling.IdleTimeoutSec) * time.Second / 3
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runCleanup()
		case <-p.stopCh:
			return
		}
	}
}

// runCleanup is one cleanup cycle under a hard wall-clock budget.
func (p *SingleDBPool) runCleanup() {
	started := time.Now()
	budget := p.settings.CleanupBudget

	trimmed := p.trimAged(time.Duration(p.cfg.Pooling.IdleTimeoutSec)*time.Second, started, budget)
	if trimmed > 0 {
		p.logger.Debug("trimmed idle connections", observability.Int("count", trimmed))
	}

	if time.Since(started) > budget {
		p.logger.Warn("cleanup cycle exceeded budget",
			observability.Int64("elapsed_ms", time.Since(started).Milliseconds()))
		return
	}

	ctx, cancel := context.WithDeadline(context.Background(), started.Add(budget))
	defer cancel()
	p.replenish(ctx)

	if time.Since(started) > budget {
		p.logger.Warn("cleanup cycle exceeded budget",
			observability.Int64("elapsed_ms", time.Since(started).Milliseconds()))
	}
}

// trimAged closes idle connections older than maxIdle, oldest first, never
// shrinking below minSize. maxIdle <= 0 trims regardless of age.
func (p *SingleDBPool) trimAged(maxIdle time.Duration, started time.Time, budget time.Duration) int {
	var victims []*PooledConnection

	p.mu.Lock()
	for len(p.idle) > 0 && p.current-len(victims) > p.cfg.Pooling.MinSize {
		oldest := p.idle[0]
		if maxIdle > 0 && oldest.idleFor() < maxIdle {
			break
		}
		p.idle = p.idle[1:]
		victims = append(victims, oldest)
		if budget > 0 && time.Since(started) > budget {
			break
		}
	}
	p.current -= len(victims)
	p.mu.Unlock()

	for _, pc := range victims {
		pc.close()
	}
	return len(victims)
}

// Trim immediately shrinks the idle queue down to minSize. Used by the
// manager's TrimAll admin operation.
func (p *SingleDBPool) Trim() int {
	return p.trimAged(0, time.Now(), 0)
}

// replenish grows the pool back to minSize with idle connections.
func (p *SingleDBPool) replenish(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.shuttingDown || p.current >= p.cfg.Pooling.MinSize {
			p.mu.Unlock()
			return
		}
		p.current++
		p.mu.Unlock()

		conn, err := p.dial(ctx)
		if err != nil {
			p.countFailedCreation()
			p.logger.Warn("replenish dial failed", observability.Error(err))
			p.mu.Lock()
			p.current--
			p.mu.Unlock()
			return
		}

		pc := newPooledConnection(p.cfg.Name, conn)
		p.countCreated()

		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			pc.close()
			p.mu.Lock()
			p.current--
			p.mu.Unlock()
			return
		}
		pc.markIdle()
		p.idle = append(p.idle, pc)
		p.cond.Signal()
		p.mu.Unlock()
	}
}

// ValidateIdle pings every idle connection now, destroying the ones that
// fail. Used by the manager's ValidateAll admin operation.
func (p *SingleDBPool) ValidateIdle(ctx context.Context) (ok, failed int) {
	p.mu.Lock()
	candidates := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range candidates {
		if err := pc.validate(ctx, p.settings.ValidationTimeout, p.settings.StaleAfter); err != nil {
			p.countFailedValidation()
			p.destroy(pc)
			failed++
			continue
		}
		p.countValidatedOk()
		p.mu.Lock()
		p.idle = append(p.idle, pc)
		p.cond.Signal()
		p.mu.Unlock()
		ok++
	}
	return ok, failed
}

// Shutdown flips the pool into its terminal state: waiters fail fast, idle
// sessions close immediately and active ones get the grace window before a
// forced close.
func (p *SingleDBPool) Shutdown() {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	idle := p.idle
	p.idle = nil
	p.current -= len(idle)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })

	for _, pc := range idle {
		pc.close()
	}

	p.drainActive()
}

// drainActive waits out the grace window for in-flight connections, then
// force-closes whatever is still lent out.
func (p *SingleDBPool) drainActive() {
	deadline := time.After(p.settings.ShutdownGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.activeMu.Lock()
		remaining := len(p.active)
		p.activeMu.Unlock()
		if remaining == 0 {
			return
		}

		select {
		case <-ticker.C:
		case <-deadline:
			p.activeMu.Lock()
			victims := make([]*PooledConnection, 0, len(p.active))
			for pc := range p.active {
				victims = append(victims, pc)
			}
			p.active = make(map[*PooledConnection]struct{})
			p.activeMu.Unlock()

			for _, pc := range victims {
				pc.close()
			}
			p.mu.Lock()
			p.current -= len(victims)
			p.mu.Unlock()

			p.logger.Warn("force-closed active connections after shutdown grace",
				observability.Int("count", len(victims)))
			return
		}
	}
}
