// Package clockutil provides the single injected time source the core uses
// for all ordering decisions, per spec.md §9: "global mutable state is
// limited to three process-wide services: clock, signature oracle,
// transport... none is accessed via ambient globals."
package clockutil

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the narrow time interface consumed by every component. Now
// returns the monotonic instant used for ordering (phase timeouts, decay
// intervals, heartbeat scans); UTCNow returns the wall-clock timestamp used
// only in audit records (TrustUpdate, ConsensusResult).
type Clock interface {
	Now() time.Time
	UTCNow() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) *clock.Timer
	NewTicker(d time.Duration) *clock.Ticker
}

// real wraps benbjohnson/clock's real clock. benbjohnson/clock is already a
// transitive dependency of the teacher's libp2p stack; adopting it directly
// for the fake-clock needs of this package avoids hand-rolling one.
type real struct {
	clock.Clock
}

// New returns the production Clock backed by the real wall/monotonic clock.
func New() Clock {
	return real{Clock: clock.New()}
}

func (r real) UTCNow() time.Time { return r.Clock.Now().UTC() }

// NewMock returns a fully controllable fake clock for deterministic tests.
func NewMock() *MockClock {
	return &MockClock{Mock: clock.NewMock()}
}

// MockClock adapts benbjohnson/clock's Mock to the Clock interface.
type MockClock struct {
	*clock.Mock
}

func (m *MockClock) UTCNow() time.Time { return m.Mock.Now().UTC() }
