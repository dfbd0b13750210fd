// Package heartbeat prunes connections that stop answering liveness probes.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Target is a connection the monitor can probe and terminate.
type Target interface {
	// Probe sends a ping and blocks until the peer answers or ctx expires.
	Probe(ctx context.Context) error
	// Terminate forcibly closes the connection.
	Terminate(reason string)
}

type entry struct {
	target Target
	alive  atomic.Bool
}

// Monitor marks every target unresponsive at each tick, probes it, and terminates
// targets that did not answer the previous probe.
type Monitor struct {
	mu       sync.Mutex
	entries  map[string]*entry
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	// OnTerminate is called after a target is terminated for missing a probe.
	OnTerminate func(id string)
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Monitor{
		entries:  make(map[string]*entry),
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Register starts tracking a target; it begins alive.
func (m *Monitor) Register(id string, t Target) {
	e := &entry{target: t}
	e.alive.Store(true)

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()
}

// Unregister stops tracking a target. Safe to call for unknown ids.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// MarkAlive records proof of life outside of probes, such as an inbound frame.
func (m *Monitor) MarkAlive(id string) {
	m.mu.Lock()
	e := m.entries[id]
	m.mu.Unlock()
	if e != nil {
		e.alive.Store(true)
	}
}

// Len returns the number of tracked targets.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("Heartbeat monitor started", "interval", m.interval, "timeout", m.timeout)

	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			m.logger.Info("Heartbeat monitor shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Tick runs one probe round. Probes run concurrently and do not block the caller.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	dead := make(map[string]*entry)
	probes := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		if !e.alive.Load() {
			dead[id] = e
			delete(m.entries, id)
			continue
		}
		e.alive.Store(false)
		probes[id] = e
	}
	m.mu.Unlock()

	for id, e := range dead {
		m.logger.Info("Terminating unresponsive connection", "session_id", id)
		e.target.Terminate("heartbeat timeout")
		if m.OnTerminate != nil {
			m.OnTerminate(id)
		}
	}
	for id, e := range probes {
		go m.probe(ctx, id, e)
	}
}

func (m *Monitor) probe(ctx context.Context, id string, e *entry) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := e.target.Probe(probeCtx); err != nil {
		m.logger.Debug("Heartbeat probe failed", "session_id", id, "error", err)
		return
	}
	e.alive.Store(true)
}
