package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/posbridge/posbridge/internal/driver"
)

// State is the lifecycle state of a pooled connection.
//
//	new ──connect──> idle
//	idle ──acquire──> inUse
//	inUse ──release──> idle
//	idle ──validation-fail──> invalid
//	{idle,invalid,inUse} ──destroy──> closed
type State int32

const (
	StateNew State = iota
	StateIdle
	StateInUse
	StateInvalid
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "inUse"
	case StateInvalid:
		return "invalid"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PooledConnection owns exactly one live driver session plus the pooling
// metadata the pool needs for validation and trimming. The pool name is a
// non-owning back-reference used for diagnostics and release routing only.
type PooledConnection struct {
	id       string
	poolName string
	conn     driver.Conn

	mu              sync.Mutex
	state           State
	createdAt       time.Time
	lastUsedAt      time.Time
	lastValidatedAt time.Time
	usageCount      uint64
}

func newPooledConnection(poolName string, conn driver.Conn) *PooledConnection {
	now := time.Now()
	return &PooledConnection{
		id:              uuid.NewString(),
		poolName:        poolName,
		conn:            conn,
		state:           StateNew,
		createdAt:       now,
		lastUsedAt:      now,
		lastValidatedAt: now,
	}
}

// ID returns the unique id of this pooled connection.
func (pc *PooledConnection) ID() string { return pc.id }

// PoolName returns the name of the owning pool.
func (pc *PooledConnection) PoolName() string { return pc.poolName }

// Conn returns the underlying driver session.
func (pc *PooledConnection) Conn() driver.Conn { return pc.conn }

// State returns the current lifecycle state.
func (pc *PooledConnection) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// UsageCount returns how many times the connection has been lent out.
func (pc *PooledConnection) UsageCount() uint64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.usageCount
}

func (pc *PooledConnection) markIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = StateIdle
	pc.lastUsedAt = time.Now()
}

func (pc *PooledConnection) markInUse() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = StateInUse
	pc.lastUsedAt = time.Now()
	pc.usageCount++
}

func (pc *PooledConnection) markInvalid() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = StateInvalid
}

// idleFor reports how long the connection has been unused.
func (pc *PooledConnection) idleFor() time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return time.Since(pc.lastUsedAt)
}

// needsValidation reports whether the lazy validation interval has elapsed.
func (pc *PooledConnection) needsValidation(interval time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return time.Since(pc.lastValidatedAt) >= interval
}

// validate pings the session with a reduced query timeout. Connections that
// have been idle beyond staleAfter, or were previously marked invalid, get
// an even shorter budget. On failure the connection is marked invalid.
func (pc *PooledConnection) validate(ctx context.Context, timeout, staleAfter time.Duration) error {
	pc.mu.Lock()
	stale := time.Since(pc.lastUsedAt) > staleAfter || pc.state == StateInvalid
	pc.mu.Unlock()

	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	if stale && timeout > 2*time.Second {
		timeout = 2 * time.Second
	}

	previous := pc.conn.QueryTimeout()
	pc.conn.SetQueryTimeout(timeout)
	defer pc.conn.SetQueryTimeout(previous)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := pc.conn.ExecuteScalar(pingCtx, "SELECT 1", nil); err != nil {
		pc.markInvalid()
		return err
	}

	pc.mu.Lock()
	pc.lastValidatedAt = time.Now()
	pc.mu.Unlock()
	return nil
}

// close destroys the underlying session. Idempotent.
func (pc *PooledConnection) close() {
	pc.mu.Lock()
	if pc.state == StateClosed {
		pc.mu.Unlock()
		return
	}
	pc.state = StateClosed
	pc.mu.Unlock()

	_ = pc.conn.Disconnect()
}
