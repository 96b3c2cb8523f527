// Package storage defines how data-access components borrow database
// sessions without binding to the pool implementation. Handlers and the
// sync engine depend on Source; production wires a PoolSource, tests hand
// out mock sessions.
package storage

import (
	"context"
	"time"

	"github.com/posbridge/posbridge/internal/driver"
	"github.com/posbridge/posbridge/internal/pool"
)

// Source lends one database session per call. The returned release function
// must be called exactly once when the caller is done with the session.
type Source interface {
	Acquire(ctx context.Context) (driver.Conn, func(), error)
}

// PoolSource borrows sessions from one named pool of the manager.
type PoolSource struct {
	Manager  *pool.Manager
	PoolName string
	Timeout  time.Duration
}

// Acquire checks a connection out of the pool and returns its session
// together with the release hook.
func (s *PoolSource) Acquire(ctx context.Context) (driver.Conn, func(), error) {
	pc, err := s.Manager.Acquire(ctx, s.PoolName, s.Timeout)
	if err != nil {
		return nil, nil, err
	}
	return pc.Conn(), func() { s.Manager.Release(pc) }, nil
}

// StaticSource lends the same session to every caller. Tests use it to back
// data-access code with a mock session.
type StaticSource struct {
	Conn driver.Conn
}

// Acquire returns the static session with a no-op release.
func (s *StaticSource) Acquire(context.Context) (driver.Conn, func(), error) {
	return s.Conn, func() {}, nil
}
