// Package session holds the authoritative in-memory map of live client sessions and
// the per-session agent turn state machine.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/protocol"
)

// maxTaskLen bounds the currentTask field reported in agent status.
const maxTaskLen = 120

// Conn is the live duplex connection a session is bound to.
type Conn interface {
	// Send queues a frame for delivery. It must not block on the network.
	Send(frame protocol.Outbound) error
	// Close tears the connection down. Safe to call more than once.
	Close(reason string)
}

// ToolInvocation is an in-flight tool call within the current turn.
type ToolInvocation struct {
	Name      string
	StartedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

type turn struct {
	id        uint64
	messageID string
	content   string
	startedAt time.Time
	cancel    context.CancelFunc
	reply     []byte
	toolsUsed []string
}

// Session is one client connection's view of the agent.
type Session struct {
	ID        string
	UserID    string
	Tier      domain.Tier
	CreatedAt time.Time

	conn Conn

	mu           sync.Mutex
	state        domain.AgentState
	current      *turn
	lastTurnID   uint64
	tools        map[string]*ToolInvocation
	progress     int
	log          []domain.TurnEntry
	lastActivity time.Time
	now          func() time.Time
}

func newSession(id, userID string, tier domain.Tier, conn Conn, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:           id,
		UserID:       userID,
		Tier:         tier,
		CreatedAt:    t,
		conn:         conn,
		state:        domain.AgentIdle,
		tools:        make(map[string]*ToolInvocation),
		lastActivity: t,
		now:          now,
	}
}

// Conn returns the connection the session is bound to.
func (s *Session) Conn() Conn {
	return s.conn
}

// Send delivers a frame on the session's connection.
func (s *Session) Send(frame protocol.Outbound) error {
	return s.conn.Send(frame)
}

// Deliver sends frame only while turnID is the processing turn. The check and the send
// happen under the session lock, so nothing from a turn is delivered after the status
// frame that reports its interruption.
func (s *Session) Deliver(turnID uint64, frame protocol.Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live(turnID) {
		return false
	}
	_ = s.conn.Send(frame)
	return true
}

// SendStatus sends the current agent status.
func (s *Session) SendStatus() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendStatusLocked()
}

func (s *Session) sendStatusLocked() error {
	return s.conn.Send(protocol.AgentStatus{Type: protocol.TypeAgentStatus, Status: s.statusLocked()})
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State returns the agent state.
func (s *Session) State() domain.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentTurn returns the id of the processing turn, or 0.
func (s *Session) CurrentTurn() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.id
}

// BeginTurn moves the session from idle to processing. cancel is invoked if the turn is
// interrupted. It fails with domain.ErrSessionBusy unless the session is idle.
func (s *Session) BeginTurn(messageID, content string, cancel context.CancelFunc) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.AgentIdle {
		return 0, domain.ErrSessionBusy
	}
	s.lastTurnID++
	s.current = &turn{
		id:        s.lastTurnID,
		messageID: messageID,
		content:   content,
		startedAt: s.now(),
		cancel:    cancel,
	}
	s.state = domain.AgentProcessing
	s.progress = 0
	return s.lastTurnID, nil
}

// live reports whether turnID is the processing turn. Caller holds mu.
func (s *Session) live(turnID uint64) bool {
	return s.state == domain.AgentProcessing && s.current != nil && s.current.id == turnID
}

// ToolStarted records a tool entering use. ctx lives as long as the invocation and cancel
// ends it; both may be nil. It returns false for a stale turn.
func (s *Session) ToolStarted(ctx context.Context, turnID uint64, name string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live(turnID) {
		return false
	}
	if prev, ok := s.tools[name]; ok && prev.cancel != nil {
		prev.cancel()
	}
	s.tools[name] = &ToolInvocation{Name: name, StartedAt: s.now(), ctx: ctx, cancel: cancel}
	for _, used := range s.current.toolsUsed {
		if used == name {
			return true
		}
	}
	s.current.toolsUsed = append(s.current.toolsUsed, name)
	return true
}

// ToolContext returns the context of the in-flight invocation of name, or nil when the
// tool is not in use.
func (s *Session) ToolContext(name string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.tools[name]; ok {
		return inv.ctx
	}
	return nil
}

// ToolUpdated validates an intermediate tool event. It returns false for a stale turn.
func (s *Session) ToolUpdated(turnID uint64, _ string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(turnID)
}

// ToolCompleted removes a tool from the in-use set and releases its context. It returns
// false for a stale turn.
func (s *Session) ToolCompleted(turnID uint64, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live(turnID) {
		return false
	}
	if inv, ok := s.tools[name]; ok && inv.cancel != nil {
		inv.cancel()
	}
	delete(s.tools, name)
	return true
}

// AppendReply accumulates streamed reply text. It returns false for a stale turn.
func (s *Session) AppendReply(turnID uint64, chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live(turnID) {
		return false
	}
	s.current.reply = append(s.current.reply, chunk...)
	return true
}

// SetProgress records runtime-reported progress, clamped to [0,100].
func (s *Session) SetProgress(turnID uint64, pct int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live(turnID) {
		return false
	}
	s.progress = min(max(pct, 0), 100)
	return true
}

// CompleteTurn moves processing to idle and logs the turn. When notify is non-nil its
// frame is sent, followed by the idle status, before the lock is released, so a
// following turn cannot overtake the completion on the wire.
func (s *Session) CompleteTurn(turnID uint64, notify func(domain.TurnEntry) protocol.Outbound) (domain.TurnEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live(turnID) {
		return domain.TurnEntry{}, false
	}
	s.progress = 100
	entry := s.finishLocked(domain.TurnCompleted, "")
	s.state = domain.AgentIdle
	if notify != nil {
		_ = s.conn.Send(notify(entry))
		_ = s.sendStatusLocked()
	}
	return entry, true
}

// FailTurn ends a failed turn. The error state lasts only while notice is sent; the
// session is idle, with the idle status sent, before the lock is released, so the client
// sees the error before another message can be accepted.
func (s *Session) FailTurn(turnID uint64, cause error, notice protocol.Outbound) (domain.TurnEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live(turnID) {
		return domain.TurnEntry{}, false
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry := s.finishLocked(domain.TurnFailed, msg)
	s.progress = 0
	s.state = domain.AgentIdle
	if notice != nil {
		_ = s.conn.Send(notice)
		_ = s.sendStatusLocked()
	}
	return entry, true
}

// Interrupt forces the session to idle from any state. An in-flight turn is cancelled and
// logged with the interrupted outcome; the returned entry is only valid when ok is true.
func (s *Session) Interrupt(reason string) (domain.TurnEntry, bool) {
	return s.abort(0, domain.TurnInterrupted, reason, nil)
}

// Stall aborts turnID because the runtime went quiet. It is a no-op for a stale turn.
// notice, when non-nil, is sent with the idle status under the session lock.
func (s *Session) Stall(turnID uint64, notice protocol.Outbound) (domain.TurnEntry, bool) {
	return s.abort(turnID, domain.TurnStalled, "turn stalled", notice)
}

// abort cancels the current turn. turnID 0 matches any turn.
func (s *Session) abort(turnID uint64, outcome domain.TurnOutcome, reason string, notice protocol.Outbound) (domain.TurnEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turnID != 0 && !s.live(turnID) {
		return domain.TurnEntry{}, false
	}

	var entry domain.TurnEntry
	ok := false
	if s.state == domain.AgentProcessing && s.current != nil {
		if s.current.cancel != nil {
			s.current.cancel()
		}
		entry = s.finishLocked(outcome, reason)
		ok = true
	}
	s.clearToolsLocked()
	s.current = nil
	s.progress = 0
	s.state = domain.AgentIdle
	if ok && notice != nil {
		_ = s.conn.Send(notice)
		_ = s.sendStatusLocked()
	}
	return entry, ok
}

// finishLocked closes the current turn, releases its tools and appends it to the log.
// Caller holds mu.
func (s *Session) finishLocked(outcome domain.TurnOutcome, errMsg string) domain.TurnEntry {
	t := s.current
	entry := domain.TurnEntry{
		TurnID:    t.id,
		MessageID: t.messageID,
		Content:   t.content,
		Reply:     string(t.reply),
		ToolsUsed: append([]string(nil), t.toolsUsed...),
		Outcome:   outcome,
		Error:     errMsg,
		StartedAt: t.startedAt,
		EndedAt:   s.now(),
	}
	s.log = append(s.log, entry)
	s.clearToolsLocked()
	s.current = nil
	return entry
}

// clearToolsLocked cancels and forgets every in-flight tool. Caller holds mu.
func (s *Session) clearToolsLocked() {
	for name, inv := range s.tools {
		if inv.cancel != nil {
			inv.cancel()
		}
		delete(s.tools, name)
	}
}

// Turns returns a copy of the session's turn log, oldest first.
func (s *Session) Turns() []domain.TurnEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TurnEntry(nil), s.log...)
}

// MessageID returns the client message id of turnID, or "" for a stale turn.
func (s *Session) MessageID(turnID uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.id != turnID {
		return ""
	}
	return s.current.messageID
}

// Status returns the client-visible agent status.
func (s *Session) Status() domain.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() domain.AgentStatus {
	st := domain.AgentStatus{
		IsActive:   s.state == domain.AgentProcessing,
		ToolsInUse: make([]string, 0, len(s.tools)),
		Progress:   s.progress,
	}
	if s.current != nil {
		st.CurrentTask = truncate(s.current.content, maxTaskLen)
	}
	for name := range s.tools {
		st.ToolsInUse = append(st.ToolsInUse, name)
	}
	sort.Strings(st.ToolsInUse)
	return st
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
