// Package dispatch parses inbound client frames and routes them to the rate limiter,
// the session state machine and the agent runtime.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/agent"
	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/metrics"
	"github.com/ashureev/agentgate/internal/protocol"
	"github.com/ashureev/agentgate/internal/ratelimit"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/tools"
	"github.com/oklog/ulid/v2"
)

// Default timeouts.
const (
	DefaultInteractTimeout = 30 * time.Second
	DefaultHistoryTimeout  = 5 * time.Second
)

// HistorySink persists finished turns.
type HistorySink interface {
	AppendTurn(ctx context.Context, rec domain.TurnRecord) error
}

// Options wires a Dispatcher.
type Options struct {
	Limiter    *ratelimit.Limiter
	Bridge     agent.Bridge
	Interactor tools.Interactor
	Catalog    *tools.Catalog
	History    HistorySink
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// StallTimeout interrupts a turn that emits nothing for this long. Zero disables it.
	StallTimeout    time.Duration
	InteractTimeout time.Duration
	HistoryTimeout  time.Duration
}

// Dispatcher handles frames for every session. It holds no per-session state of its own.
type Dispatcher struct {
	limiter    *ratelimit.Limiter
	bridge     agent.Bridge
	interactor tools.Interactor
	catalog    *tools.Catalog
	history    HistorySink
	metrics    *metrics.Metrics
	logger     *slog.Logger

	stallTimeout    time.Duration
	interactTimeout time.Duration
	historyTimeout  time.Duration

	wg sync.WaitGroup
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		limiter:         opts.Limiter,
		bridge:          opts.Bridge,
		interactor:      opts.Interactor,
		catalog:         opts.Catalog,
		history:         opts.History,
		metrics:         opts.Metrics,
		logger:          logger.With("component", "dispatch"),
		stallTimeout:    opts.StallTimeout,
		interactTimeout: opts.InteractTimeout,
		historyTimeout:  opts.HistoryTimeout,
	}
	if d.interactTimeout <= 0 {
		d.interactTimeout = DefaultInteractTimeout
	}
	if d.historyTimeout <= 0 {
		d.historyTimeout = DefaultHistoryTimeout
	}
	return d
}

// Handle processes one raw frame from s. ctx is the connection context; turns started
// here are cancelled when it ends. Handle is called from the connection's read goroutine
// and returns without waiting for the agent.
func (d *Dispatcher) Handle(ctx context.Context, s *session.Session, data []byte) {
	s.Touch()

	in, err := protocol.Decode(data)
	if err != nil {
		d.metrics.FrameReceived("invalid")
		d.logger.Warn("Rejected client frame", "session_id", s.ID, "user_id", s.UserID, "error", err)
		_ = s.Send(protocol.Error{Type: protocol.TypeError, Code: protocol.CodeProtocolError, Message: err.Error()})
		return
	}
	d.metrics.FrameReceived(in.Type)

	switch in.Type {
	case protocol.TypeUserMessage:
		d.handleUserMessage(ctx, s, in)
	case protocol.TypeToolInteraction:
		d.handleToolInteraction(ctx, s, in)
	case protocol.TypeAgentInterrupt:
		d.handleInterrupt(s, in)
	case protocol.TypePing:
		_ = s.Send(protocol.Pong{Type: protocol.TypePong})
	}
}

// Wait blocks until turn consumers, interactions and history writes have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Disconnect ends any turn still running on s when its connection goes away, and
// records it like any other interrupted turn.
func (d *Dispatcher) Disconnect(s *session.Session) {
	entry, ok := s.Interrupt("connection closed")
	if !ok {
		return
	}
	d.logger.Info("Agent turn abandoned on disconnect", "session_id", s.ID, "message_id", entry.MessageID)
	d.record(s, entry)
}

// turnRun is the dispatcher's side of one in-flight turn.
type turnRun struct {
	s         *session.Session
	id        uint64
	messageID string
	ctx       context.Context

	// typing is set while an agent_typing frame is the last thing delivered.
	typing bool

	mu       sync.Mutex
	approved map[string]int
	blocked  map[string]bool
}

func (r *turnRun) approve(tool string) {
	r.mu.Lock()
	r.approved[tool]++
	delete(r.blocked, tool)
	r.mu.Unlock()
}

// takeApproval consumes one gate approval for tool.
func (r *turnRun) takeApproval(tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.approved[tool] == 0 {
		return false
	}
	r.approved[tool]--
	return true
}

func (r *turnRun) block(tool string) {
	r.mu.Lock()
	r.blocked[tool] = true
	r.mu.Unlock()
}

func (r *turnRun) unblock(tool string) {
	r.mu.Lock()
	delete(r.blocked, tool)
	r.mu.Unlock()
}

func (r *turnRun) isBlocked(tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked[tool]
}

func (d *Dispatcher) handleUserMessage(ctx context.Context, s *session.Session, in *protocol.Inbound) {
	if err := d.limiter.CheckMessage(s.UserID, s.Tier); err != nil {
		d.reject(s, err)
		return
	}

	messageID := in.MessageID
	if messageID == "" {
		messageID = ulid.Make().String()
	}

	turnCtx, cancel := context.WithCancel(ctx)
	turnID, err := s.BeginTurn(messageID, in.Content, cancel)
	if err != nil {
		cancel()
		d.logger.Info("Rejected message while agent busy", "session_id", s.ID, "message_id", messageID)
		_ = s.Send(protocol.AgentError{
			Type:      protocol.TypeAgentError,
			MessageID: messageID,
			Error:     "The agent is still working on your previous message. Wait for it to finish or interrupt it.",
			Code:      protocol.CodeAgentBusy,
		})
		return
	}

	r := &turnRun{
		s:         s,
		id:        turnID,
		messageID: messageID,
		ctx:       turnCtx,
		approved:  make(map[string]int),
		blocked:   make(map[string]bool),
	}
	r.typing = s.Deliver(turnID, protocol.AgentTyping{Type: protocol.TypeAgentTyping, MessageID: messageID})
	_ = s.SendStatus()

	handle, err := d.bridge.Invoke(turnCtx, agent.TurnRequest{
		SessionID: s.ID,
		UserID:    s.UserID,
		Tier:      s.Tier,
		MessageID: messageID,
		Content:   in.Content,
	}, d.toolGate(r))
	if err != nil {
		cancel()
		d.logger.Error("Agent invocation failed", "session_id", s.ID, "message_id", messageID, "error", err)
		d.fail(r, err, protocol.CodeUnavailable)
		return
	}

	d.wg.Add(1)
	go d.consume(r, handle, cancel)
}

// consume forwards one turn's events until it ends, stalls or is interrupted.
func (d *Dispatcher) consume(r *turnRun, h agent.Handle, cancel context.CancelFunc) {
	defer d.wg.Done()
	defer cancel()
	defer h.Cancel()

	var stallC <-chan time.Time
	var stall *time.Timer
	if d.stallTimeout > 0 {
		stall = time.NewTimer(d.stallTimeout)
		defer stall.Stop()
		stallC = stall.C
	}

	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				// Closed without a terminal event: the turn was cancelled, or the bridge gave up.
				d.fail(r, errors.New("agent stream closed unexpectedly"), protocol.CodeAgentFailed)
				return
			}
			if stall != nil {
				if !stall.Stop() {
					select {
					case <-stall.C:
					default:
					}
				}
				stall.Reset(d.stallTimeout)
			}
			if d.forward(r, ev) {
				return
			}
		case <-stallC:
			entry, ok := r.s.Stall(r.id, protocol.AgentError{
				Type:      protocol.TypeAgentError,
				MessageID: r.messageID,
				Error:     "The agent stopped responding.",
				Code:      protocol.CodeTurnStalled,
			})
			if !ok {
				return
			}
			d.logger.Warn("Agent turn stalled", "session_id", r.s.ID, "message_id", r.messageID, "timeout", d.stallTimeout)
			d.record(r.s, entry)
			return
		}
	}
}

// forward relays one event and reports whether the turn is over.
func (d *Dispatcher) forward(r *turnRun, ev agent.Event) bool {
	s, turnID, messageID := r.s, r.id, r.messageID
	now := time.Now()
	switch ev.Kind {
	case agent.EventTyping:
		if r.typing {
			return false
		}
		r.typing = d.deliver(r, ev, protocol.AgentTyping{Type: protocol.TypeAgentTyping, MessageID: messageID})
		return false

	case agent.EventChunk:
		if !s.AppendReply(turnID, ev.Text) {
			d.dropped(r, ev)
			return false
		}
		d.deliver(r, ev, protocol.MessageChunk{Type: protocol.TypeMessageChunk, MessageID: messageID, Chunk: ev.Text})

	case agent.EventToolStart:
		if !r.takeApproval(ev.Tool) {
			if err := d.checkTool(r, ev.Tool); err != nil {
				r.block(ev.Tool)
				d.dropped(r, ev)
				return false
			}
			r.unblock(ev.Tool)
		}
		toolCtx, toolCancel := context.WithCancel(r.ctx)
		if !s.ToolStarted(toolCtx, turnID, ev.Tool, toolCancel) {
			toolCancel()
			d.dropped(r, ev)
			return false
		}
		if d.deliver(r, ev, protocol.ToolStart{
			Type: protocol.TypeToolStart,
			Tool: protocol.ToolInfo{Name: ev.Tool, Status: "running", StartTime: now},
		}) {
			_ = s.SendStatus()
		}

	case agent.EventToolUpdate:
		if r.isBlocked(ev.Tool) || !s.ToolUpdated(turnID, ev.Tool) {
			d.dropped(r, ev)
			return false
		}
		if ev.Progress > 0 {
			s.SetProgress(turnID, ev.Progress)
		}
		if d.deliver(r, ev, protocol.ToolUpdate{Type: protocol.TypeToolUpdate, ToolName: ev.Tool, Update: ev.Payload}) && ev.Progress > 0 {
			_ = s.SendStatus()
		}

	case agent.EventToolArtifact:
		if r.isBlocked(ev.Tool) {
			d.dropped(r, ev)
			return false
		}
		frameType := protocol.TypeToolArtifact
		if ev.ArtifactKind == agent.ArtifactScreenshot {
			frameType = protocol.TypeToolScreenshot
		}
		d.deliver(r, ev, protocol.ToolArtifact{Type: frameType, ToolName: ev.Tool, Payload: ev.Payload})

	case agent.EventToolComplete:
		if r.isBlocked(ev.Tool) || !s.ToolCompleted(turnID, ev.Tool) {
			d.dropped(r, ev)
			return false
		}
		if d.deliver(r, ev, protocol.ToolComplete{Type: protocol.TypeToolComplete, ToolName: ev.Tool, Result: ev.Payload, EndTime: now}) {
			_ = s.SendStatus()
		}

	case agent.EventComplete:
		entry, ok := s.CompleteTurn(turnID, func(entry domain.TurnEntry) protocol.Outbound {
			return protocol.MessageComplete{
				Type:      protocol.TypeMessageComplete,
				MessageID: messageID,
				ToolsUsed: mergeTools(entry.ToolsUsed, ev.ToolsUsed),
			}
		})
		if !ok {
			d.dropped(r, ev)
			return true
		}
		d.record(s, entry)
		return true

	case agent.EventError:
		d.logger.Error("Agent turn failed", "session_id", s.ID, "message_id", messageID, "error", ev.Err)
		d.fail(r, ev.Err, protocol.CodeAgentFailed)
		return true
	}
	r.typing = false
	return false
}

func (d *Dispatcher) deliver(r *turnRun, ev agent.Event, frame protocol.Outbound) bool {
	if !r.s.Deliver(r.id, frame) {
		d.dropped(r, ev)
		return false
	}
	return true
}

func (d *Dispatcher) dropped(r *turnRun, ev agent.Event) {
	d.logger.Debug("Dropped agent event", "session_id", r.s.ID, "turn", r.id, "kind", ev.Kind, "tool", ev.Tool)
}

// fail moves the turn through the error state back to idle and tells the client.
func (d *Dispatcher) fail(r *turnRun, cause error, code string) {
	entry, ok := r.s.FailTurn(r.id, cause, protocol.AgentError{
		Type:      protocol.TypeAgentError,
		MessageID: r.messageID,
		Error:     clientError(cause),
		Code:      code,
	})
	if !ok {
		return
	}
	d.record(r.s, entry)
}

func clientError(err error) string {
	if errors.Is(err, domain.ErrTransport) {
		return "The agent is unavailable right now. Please try again."
	}
	return err.Error()
}

// toolGate is consulted by the bridge before each tool starts. An approval covers one
// tool_start for that tool; a denial drops the tool's events for the rest of the turn.
func (d *Dispatcher) toolGate(r *turnRun) agent.ToolGate {
	return func(_ context.Context, tool string) error {
		if err := d.checkTool(r, tool); err != nil {
			r.block(tool)
			return err
		}
		r.approve(tool)
		return nil
	}
}

// checkTool denies disabled tools and tools over their per-tool ceiling, telling the
// client why.
func (d *Dispatcher) checkTool(r *turnRun, tool string) error {
	if d.catalog != nil && d.catalog.Disabled(tool) {
		d.logger.Info("Denied disabled tool", "session_id", r.s.ID, "tool", tool)
		r.s.Deliver(r.id, protocol.Error{
			Type:    protocol.TypeError,
			Code:    protocol.CodeToolDisabled,
			Message: fmt.Sprintf("Tool %q is disabled.", tool),
		})
		return domain.ErrToolDisabled
	}
	if err := d.limiter.CheckToolUsage(r.s.UserID, r.s.Tier, tool); err != nil {
		if frame, ok := d.rateLimited(r.s, err); ok {
			r.s.Deliver(r.id, frame)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) handleToolInteraction(ctx context.Context, s *session.Session, in *protocol.Inbound) {
	if err := d.limiter.CheckBurst(s.UserID, s.Tier); err != nil {
		d.reject(s, err)
		return
	}
	if d.catalog != nil && d.catalog.Disabled(in.ToolName) {
		_ = s.Send(protocol.ToolInteractionError{
			Type:     protocol.TypeToolInteractionError,
			ToolName: in.ToolName,
			Action:   in.Action,
			Error:    domain.ErrToolDisabled.Error(),
			Code:     protocol.CodeToolDisabled,
		})
		return
	}

	// An interaction with a running tool ends with that tool.
	parent := ctx
	if toolCtx := s.ToolContext(in.ToolName); toolCtx != nil {
		parent = toolCtx
	}
	interaction := tools.Interaction{
		SessionID: s.ID,
		UserID:    s.UserID,
		ToolName:  in.ToolName,
		Action:    in.Action,
		Data:      in.Data,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ictx, cancel := context.WithTimeout(parent, d.interactTimeout)
		defer cancel()

		result, err := d.interactor.Interact(ictx, interaction)
		if err != nil {
			d.logger.Warn("Tool interaction failed", "session_id", s.ID, "tool", in.ToolName, "action", in.Action, "error", err)
			_ = s.Send(protocol.ToolInteractionError{
				Type: protocol.TypeToolInteractionError, ToolName: in.ToolName, Action: in.Action, Error: err.Error(),
			})
			return
		}
		_ = s.Send(protocol.ToolInteractionResult{
			Type: protocol.TypeToolInteractionResult, ToolName: in.ToolName, Action: in.Action, Result: result,
		})
	}()
}

func (d *Dispatcher) handleInterrupt(s *session.Session, in *protocol.Inbound) {
	reason := in.Reason
	if reason == "" {
		reason = "user_requested"
	}
	if entry, ok := s.Interrupt(reason); ok {
		d.logger.Info("Agent turn interrupted", "session_id", s.ID, "message_id", entry.MessageID, "reason", reason)
		d.record(s, entry)
	}
	_ = s.SendStatus()
}

// reject reports a rate-limit rejection to the client.
func (d *Dispatcher) reject(s *session.Session, err error) {
	if frame, ok := d.rateLimited(s, err); ok {
		_ = s.Send(frame)
	}
}

func (d *Dispatcher) rateLimited(s *session.Session, err error) (protocol.RateLimitExceeded, bool) {
	var rej *ratelimit.Rejection
	if !errors.As(err, &rej) {
		d.logger.Error("Unexpected rate limiter error", "session_id", s.ID, "error", err)
		return protocol.RateLimitExceeded{}, false
	}
	d.logger.Info("Rate limit exceeded", "user_id", s.UserID, "session_id", s.ID, "dimension", rej.Dimension, "tool", rej.Tool)
	return protocol.RateLimitExceeded{
		Type:         protocol.TypeRateLimitExceeded,
		Message:      rej.UserMessage(),
		Dimension:    string(rej.Dimension),
		ToolName:     rej.Tool,
		RetryAfterMs: rej.RetryAfter.Milliseconds(),
	}, true
}

// record counts the turn and appends it to history without blocking the caller.
func (d *Dispatcher) record(s *session.Session, entry domain.TurnEntry) {
	d.metrics.TurnFinished(string(entry.Outcome))
	if d.history == nil {
		return
	}
	rec := domain.TurnRecord{
		ID:        ulid.Make().String(),
		SessionID: s.ID,
		UserID:    s.UserID,
		Tier:      s.Tier,
		TurnEntry: entry,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.historyTimeout)
		defer cancel()
		if err := d.history.AppendTurn(ctx, rec); err != nil {
			d.logger.Warn("Failed to persist turn", "session_id", rec.SessionID, "message_id", rec.MessageID, "error", err)
		}
	}()
}

func mergeTools(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
