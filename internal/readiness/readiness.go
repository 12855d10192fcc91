// Package readiness tracks whether the OCR engine has been warmed up and
// may accept extraction requests.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotReady is returned by Check until a probe has succeeded
var ErrNotReady = errors.New("engine is not ready")

// State is the lifecycle state of the engine
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateFailed       State = "failed"
)

const (
	DefaultProbeTimeout = 30 * time.Second
	DefaultMinBackoff   = time.Second
	DefaultMaxBackoff   = 30 * time.Second
)

// Probe checks that the engine can serve requests
type Probe func(ctx context.Context) error

// Snapshot is a point-in-time view of the gate
type Snapshot struct {
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
}

// Gate holds process-wide readiness. The zero value is not usable; call New.
type Gate struct {
	mu       sync.RWMutex
	state    State
	attempts int
	lastErr  error
	since    time.Time

	ProbeTimeout time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// New creates a gate in the initializing state
func New() *Gate {
	return &Gate{
		state:        StateInitializing,
		since:        time.Now(),
		ProbeTimeout: DefaultProbeTimeout,
		MinBackoff:   DefaultMinBackoff,
		MaxBackoff:   DefaultMaxBackoff,
	}
}

// Ready returns a gate that is already ready, for providers that need no warmup
func Ready() *Gate {
	g := New()
	g.set(StateReady, nil)
	return g
}

func (g *Gate) set(state State, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state != g.state {
		g.since = time.Now()
	}
	g.state = state
	g.lastErr = err
	g.attempts++
}

// Run probes until one succeeds or ctx is done, backing off between
// failures. It returns nil once the gate is ready.
func (g *Gate) Run(ctx context.Context, probe Probe) error {
	backoff := g.MinBackoff
	for {
		probeCtx, cancel := context.WithTimeout(ctx, g.ProbeTimeout)
		err := probe(probeCtx)
		cancel()
		if err == nil {
			g.set(StateReady, nil)
			slog.Info("OCR engine is ready")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		g.set(StateFailed, err)
		slog.Warn("OCR engine warmup failed", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, g.MaxBackoff)
	}
}

// Check returns nil when ready, otherwise ErrNotReady with the last probe error
func (g *Gate) Check() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch {
	case g.state == StateReady:
		return nil
	case g.lastErr != nil:
		return fmt.Errorf("%w: %v", ErrNotReady, g.lastErr)
	default:
		return fmt.Errorf("%w: warming up", ErrNotReady)
	}
}

// Status returns a snapshot of the gate
func (g *Gate) Status() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Snapshot{State: g.state, Attempts: g.attempts, Since: g.since}
	if g.lastErr != nil {
		s.LastError = g.lastErr.Error()
	}
	return s
}
