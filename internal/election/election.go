// Package election abstracts the leader-election substrate. The control plane
// consumes it as an external dependable primitive: exactly one coordinator
// process holds leadership at a time, standbys wait for it, and losing the
// election channel costs only the leadership session, never the process.
package election

import (
	"context"
	"fmt"
	"sync"
)

// LeadershipListener receives leadership transitions. Both callbacks must be
// idempotent; the substrate may deliver the same transition more than once.
type LeadershipListener interface {
	// BecomeLeader is called when leadership is acquired. Returning an error
	// relinquishes leadership immediately; the elector goes back to standby.
	BecomeLeader(ctx context.Context) error

	// LoseLeadership is called when leadership is lost, voluntarily or not.
	LoseLeadership()
}

// Elector runs the election campaign for one coordinator process.
type Elector interface {
	// Start joins the election and returns once the campaign is running.
	Start(ctx context.Context, listener LeadershipListener) error

	// Stop leaves the election, relinquishing leadership if held.
	Stop() error

	// IsLeader reports whether this process currently leads.
	IsLeader() bool

	// Leader resolves the current leader's address, self or peer.
	Leader(ctx context.Context) (string, error)
}

// StandaloneElector always elects the local process. Used for single-node
// deployments and tests, where no coordination substrate exists.
type StandaloneElector struct {
	self string

	mu       sync.Mutex
	listener LeadershipListener
	leading  bool
}

// NewStandaloneElector creates an elector that immediately elects self.
func NewStandaloneElector(self string) *StandaloneElector {
	return &StandaloneElector{self: self}
}

// Start elects the local process synchronously.
func (e *StandaloneElector) Start(ctx context.Context, listener LeadershipListener) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.leading {
		return nil
	}
	if err := listener.BecomeLeader(ctx); err != nil {
		return fmt.Errorf("become leader: %w", err)
	}
	e.listener = listener
	e.leading = true
	return nil
}

// Stop relinquishes leadership.
func (e *StandaloneElector) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.leading {
		return nil
	}
	e.leading = false
	e.listener.LoseLeadership()
	return nil
}

// IsLeader reports whether the process leads.
func (e *StandaloneElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leading
}

// Leader returns the local address.
func (e *StandaloneElector) Leader(ctx context.Context) (string, error) {
	return e.self, nil
}
