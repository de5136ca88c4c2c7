package objectstore

import (
	"context"
	"errors"
	"time"
)

// AgentWatchdog decides whether an agent is still alive by watching its heartbeat counter.
type AgentWatchdog struct {
	agent          *Agent
	clock          func() time.Time
	defaultTimeout time.Duration
	heartbeat      uint64
	timeout        time.Duration
	lastChange     time.Time
}

// NewAgentWatchdog starts watching the agent at address. A zero defaultTimeout means
// DefaultAgentTimeout, used until the agent record tells its own. clock may be nil.
func NewAgentWatchdog(ctx context.Context, backend Backend, address string, defaultTimeout time.Duration, clock func() time.Time) (*AgentWatchdog, error) {
	if clock == nil {
		clock = Now
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultAgentTimeout
	}
	w := &AgentWatchdog{
		agent:          AgentView(backend, address),
		clock:          clock,
		defaultTimeout: defaultTimeout,
		timeout:        defaultTimeout,
		lastChange:     clock(),
	}
	hb, timeout, err := w.read(ctx)
	switch {
	case err == nil:
		w.heartbeat = hb
		w.setTimeout(timeout)
	case errors.Is(err, ErrNotFound):
		// Registered but not inserted yet, or already gone: give it one timeout.
	default:
		return nil, err
	}
	return w, nil
}

func (w *AgentWatchdog) setTimeout(d time.Duration) {
	if d <= 0 {
		d = w.defaultTimeout
	}
	w.timeout = d
}

func (w *AgentWatchdog) read(ctx context.Context) (hb uint64, timeout time.Duration, err error) {
	err = w.agent.read(ctx, func(v *Agent) error {
		p, err := v.Payload()
		if err != nil {
			return err
		}
		hb, timeout = p.Heartbeat, p.Timeout
		return nil
	})
	return
}

// Address is the watched agent.
func (w *AgentWatchdog) Address() string {
	return w.agent.Address()
}

// CheckAlive reads the heartbeat once more. The agent is dead when the counter did not move
// for longer than its timeout. A missing record counts as a heartbeat that does not move.
func (w *AgentWatchdog) CheckAlive(ctx context.Context) (bool, error) {
	hb, timeout, err := w.read(ctx)
	now := w.clock()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return true, err
		}
	} else {
		w.setTimeout(timeout)
		if hb != w.heartbeat {
			w.heartbeat = hb
			w.lastChange = now
			return true, nil
		}
	}
	return now.Sub(w.lastChange) <= w.timeout, nil
}
