package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
)

// window is a fixed counting window. Expired windows are replaced, never decremented.
type window struct {
	count   int
	resetAt time.Time
}

// burstLog keeps timestamps newer than now-span.
type burstLog struct {
	span time.Duration
	hits []time.Time
}

type toolKey struct {
	userID string
	tool   string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the limiter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithObserver registers a callback invoked for every rejection.
func WithObserver(fn func(Dimension)) Option {
	return func(l *Limiter) { l.observe = fn }
}

// Limiter tracks per-user counters across all four dimensions.
// Keys are user IDs, never session IDs, so opening more sessions does not buy more quota.
type Limiter struct {
	mu          sync.Mutex
	policy      Policy
	connections map[string]int
	messages    map[string]*window
	tools       map[toolKey]*window
	bursts      map[string]*burstLog

	now     func() time.Time
	logger  *slog.Logger
	observe func(Dimension)
}

// New creates a limiter with the given policy.
func New(policy Policy, opts ...Option) *Limiter {
	l := &Limiter{
		policy:      policy,
		connections: make(map[string]int),
		messages:    make(map[string]*window),
		tools:       make(map[toolKey]*window),
		bursts:      make(map[string]*burstLog),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

// SetPolicy swaps the ceiling table. Existing windows keep their counts and reset times.
func (l *Limiter) SetPolicy(p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = p
}

// AcquireConnection takes a connection slot for the user. It returns false, without
// changing the gauge, when the tier ceiling is already reached.
func (l *Limiter) AcquireConnection(userID string, tier domain.Tier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.policy.tier(tier).MaxConnections
	if l.connections[userID] >= limit {
		l.reject(DimensionConnections)
		return false
	}
	l.connections[userID]++
	return true
}

// ReleaseConnection returns a slot. Releasing with no open slots is a no-op.
func (l *Limiter) ReleaseConnection(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.connections[userID]
	if n <= 0 {
		l.logger.Debug("Connection release without open slot", "user_id", userID)
		return
	}
	if n == 1 {
		delete(l.connections, userID)
		return
	}
	l.connections[userID] = n - 1
}

// Connections returns the user's open connection count.
func (l *Limiter) Connections(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connections[userID]
}

// TotalConnections returns the number of open connections across all users.
func (l *Limiter) TotalConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.connections {
		total += n
	}
	return total
}

// CheckMessageRate applies the fixed message window and counts the message on success.
func (l *Limiter) CheckMessageRate(userID string, tier domain.Tier) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tl := l.policy.tier(tier)
	if rej := l.messageWindow(userID, tl, now); rej != nil {
		return rej
	}
	l.messages[userID].count++
	return nil
}

// CheckBurst applies the sliding burst window and records the action on success.
func (l *Limiter) CheckBurst(userID string, tier domain.Tier) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tl := l.policy.tier(tier)
	if rej := l.burstWindow(userID, tl, now); rej != nil {
		return rej
	}
	b := l.bursts[userID]
	b.hits = append(b.hits, now)
	return nil
}

// CheckMessage applies burst protection and the message window together. The action is
// recorded in both only when both allow it.
func (l *Limiter) CheckMessage(userID string, tier domain.Tier) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tl := l.policy.tier(tier)
	if rej := l.burstWindow(userID, tl, now); rej != nil {
		return rej
	}
	if rej := l.messageWindow(userID, tl, now); rej != nil {
		return rej
	}
	l.messages[userID].count++
	b := l.bursts[userID]
	b.hits = append(b.hits, now)
	return nil
}

// CheckToolUsage applies the per-tool window for the user and counts the call on success.
// Tools without a configured window are allowed: new tools work before their limits are
// written down.
func (l *Limiter) CheckToolUsage(userID string, tier domain.Tier, tool string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tlim, ok := l.policy.Tools[tool]
	if !ok {
		l.logger.Debug("No limits configured for tool, allowing", "tool", tool, "user_id", userID)
		return nil
	}
	limit, ok := tlim.PerTier[tier]
	if !ok {
		return nil
	}

	now := l.now()
	key := toolKey{userID: userID, tool: tool}
	w := l.tools[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(tlim.Window)}
		l.tools[key] = w
	}
	if w.count >= limit {
		l.reject(DimensionTool)
		return &Rejection{Dimension: DimensionTool, Tool: tool, Limit: limit, RetryAfter: w.resetAt.Sub(now)}
	}
	w.count++
	return nil
}

// messageWindow returns a rejection or leaves a live window in l.messages. Caller holds mu.
func (l *Limiter) messageWindow(userID string, tl TierLimits, now time.Time) *Rejection {
	w := l.messages[userID]
	if w == nil || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(tl.MessageWindow)}
		l.messages[userID] = w
	}
	if w.count >= tl.MessagesPerWindow {
		l.reject(DimensionMessages)
		return &Rejection{Dimension: DimensionMessages, Limit: tl.MessagesPerWindow, RetryAfter: w.resetAt.Sub(now)}
	}
	return nil
}

// burstWindow prunes old hits and returns a rejection if the burst is full. Caller holds mu.
func (l *Limiter) burstWindow(userID string, tl TierLimits, now time.Time) *Rejection {
	b := l.bursts[userID]
	if b == nil {
		b = &burstLog{}
		l.bursts[userID] = b
	}
	b.span = tl.BurstWindow
	b.prune(now)
	if len(b.hits) >= tl.BurstSize {
		l.reject(DimensionBurst)
		return &Rejection{Dimension: DimensionBurst, Limit: tl.BurstSize, RetryAfter: b.hits[0].Add(b.span).Sub(now)}
	}
	return nil
}

func (b *burstLog) prune(now time.Time) {
	cutoff := now.Add(-b.span)
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

func (l *Limiter) reject(d Dimension) {
	if l.observe != nil {
		l.observe(d)
	}
}

// Usage is a point-in-time view of one user's counters.
type Usage struct {
	Connections int            `json:"connections"`
	Messages    int            `json:"messages"`
	Burst       int            `json:"burst"`
	Tools       map[string]int `json:"tools,omitempty"`
}

// Snapshot returns the user's live counters; expired windows read as zero.
func (l *Limiter) Snapshot(userID string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u := Usage{Connections: l.connections[userID]}
	if w := l.messages[userID]; w != nil && now.Before(w.resetAt) {
		u.Messages = w.count
	}
	if b := l.bursts[userID]; b != nil {
		b.prune(now)
		u.Burst = len(b.hits)
	}
	for key, w := range l.tools {
		if key.userID != userID || !now.Before(w.resetAt) {
			continue
		}
		if u.Tools == nil {
			u.Tools = make(map[string]int)
		}
		u.Tools[key.tool] = w.count
	}
	return u
}

// Sweep drops expired windows and empty burst logs, returning how many entries it removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.messages {
		if !now.Before(w.resetAt) {
			delete(l.messages, key)
			removed++
		}
	}
	for key, w := range l.tools {
		if !now.Before(w.resetAt) {
			delete(l.tools, key)
			removed++
		}
	}
	for key, b := range l.bursts {
		b.prune(now)
		if len(b.hits) == 0 {
			delete(l.bursts, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	l.logger.Info("Rate limit sweeper started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.logger.Debug("Swept expired rate limit entries", "removed", removed)
			}
		case <-ctx.Done():
			l.logger.Info("Rate limit sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}
