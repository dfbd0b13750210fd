package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentgate/internal/agent"
	"github.com/ashureev/agentgate/internal/config"
	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/protocol"
	"github.com/ashureev/agentgate/internal/ratelimit"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu     sync.Mutex
	frames []protocol.Outbound
}

func (c *recordingConn) Send(f protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *recordingConn) Close(string) {}

func (c *recordingConn) snapshot() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outbound(nil), c.frames...)
}

func (c *recordingConn) ofType(frameType string) []protocol.Outbound {
	var out []protocol.Outbound
	for _, f := range c.snapshot() {
		if f.FrameType() == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (c *recordingConn) waitFor(t *testing.T, frameType string, n int) []protocol.Outbound {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.ofType(frameType)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s frames", n, frameType)
	return c.ofType(frameType)
}

func (c *recordingConn) lastStatus(t *testing.T) domain.AgentStatus {
	t.Helper()
	statuses := c.ofType(protocol.TypeAgentStatus)
	require.NotEmpty(t, statuses)
	return statuses[len(statuses)-1].(protocol.AgentStatus).Status
}

type fakeHandle struct {
	events    chan agent.Event
	cancelled atomic.Bool
}

func (h *fakeHandle) Events() <-chan agent.Event { return h.events }
func (h *fakeHandle) Cancel()                    { h.cancelled.Store(true) }

type scriptedBridge struct {
	mu      sync.Mutex
	handles []*fakeHandle
	gates   []agent.ToolGate
	err     error
}

func (b *scriptedBridge) Invoke(_ context.Context, _ agent.TurnRequest, gate agent.ToolGate) (agent.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	h := &fakeHandle{events: make(chan agent.Event, 16)}
	b.handles = append(b.handles, h)
	b.gates = append(b.gates, gate)
	return h, nil
}

func (b *scriptedBridge) handle(t *testing.T, i int) *fakeHandle {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.handles) > i
	}, time.Second, 5*time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[i]
}

func (b *scriptedBridge) invocations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

type memoryHistory struct {
	mu      sync.Mutex
	records []domain.TurnRecord
}

func (h *memoryHistory) AppendTurn(_ context.Context, rec domain.TurnRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *memoryHistory) outcomes() []domain.TurnOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.TurnOutcome
	for _, r := range h.records {
		out = append(out, r.Outcome)
	}
	return out
}

type fakeInteractor struct{}

func (fakeInteractor) Interact(ctx context.Context, in tools.Interaction) (json.RawMessage, error) {
	switch in.Action {
	case "fail":
		return nil, errors.New("page not loaded")
	case "wait":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func testPolicy() ratelimit.Policy {
	tl := ratelimit.TierLimits{MaxConnections: 1, MessagesPerWindow: 5, MessageWindow: time.Minute, BurstSize: 100, BurstWindow: 10 * time.Second}
	return ratelimit.Policy{
		Tiers: map[domain.Tier]ratelimit.TierLimits{domain.TierFree: tl},
		Tools: map[string]ratelimit.ToolLimits{
			"web_browser": {Window: time.Hour, PerTier: map[domain.Tier]int{domain.TierFree: 1}},
		},
	}
}

type fixture struct {
	d       *Dispatcher
	bridge  *scriptedBridge
	history *memoryHistory
	reg     *session.Registry
	conn    *recordingConn
	s       *session.Session
}

func newFixture(t *testing.T, stall time.Duration) *fixture {
	t.Helper()
	limits := config.DefaultLimits()
	limits.Disable("calculator")

	f := &fixture{
		bridge:  &scriptedBridge{},
		history: &memoryHistory{},
		reg:     session.NewRegistry(nil),
		conn:    &recordingConn{},
	}
	f.d = New(Options{
		Limiter:      ratelimit.New(testPolicy()),
		Bridge:       f.bridge,
		Interactor:   fakeInteractor{},
		Catalog:      tools.NewCatalog(limits),
		History:      f.history,
		StallTimeout: stall,
	})
	f.s = f.reg.Create("u1", domain.TierFree, f.conn)
	t.Cleanup(f.d.Wait)
	return f
}

func (f *fixture) send(frame string) {
	f.d.Handle(context.Background(), f.s, []byte(frame))
}

func userMessage(id, content string) string {
	return fmt.Sprintf(`{"type":"user_message","messageId":%q,"content":%q,"userTier":"free"}`, id, content)
}

func TestUserMessageStreamsTurn(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "find flights"))

	h := f.bridge.handle(t, 0)
	h.events <- agent.Event{Kind: agent.EventChunk, Text: "Searching "}
	h.events <- agent.Event{Kind: agent.EventToolStart, Tool: "web_browser"}
	h.events <- agent.Event{Kind: agent.EventToolUpdate, Tool: "web_browser", Payload: json.RawMessage(`{"step":1}`), Progress: 60}
	h.events <- agent.Event{Kind: agent.EventToolArtifact, Tool: "web_browser", ArtifactKind: agent.ArtifactScreenshot, Payload: json.RawMessage(`"png"`)}
	h.events <- agent.Event{Kind: agent.EventToolComplete, Tool: "web_browser", Payload: json.RawMessage(`{"ok":true}`)}
	h.events <- agent.Event{Kind: agent.EventChunk, Text: "done"}
	h.events <- agent.Event{Kind: agent.EventComplete}
	close(h.events)

	done := f.conn.waitFor(t, protocol.TypeMessageComplete, 1)[0].(protocol.MessageComplete)
	assert.Equal(t, "m1", done.MessageID)
	assert.Equal(t, []string{"web_browser"}, done.ToolsUsed)

	var types []string
	for _, fr := range f.conn.snapshot() {
		types = append(types, fr.FrameType())
	}
	assert.Equal(t, []string{
		protocol.TypeAgentTyping, protocol.TypeAgentStatus,
		protocol.TypeMessageChunk,
		protocol.TypeToolStart, protocol.TypeAgentStatus,
		protocol.TypeToolUpdate, protocol.TypeAgentStatus,
		protocol.TypeToolScreenshot,
		protocol.TypeToolComplete, protocol.TypeAgentStatus,
		protocol.TypeMessageChunk,
		protocol.TypeMessageComplete, protocol.TypeAgentStatus,
	}, types)

	statuses := f.conn.ofType(protocol.TypeAgentStatus)
	first := statuses[0].(protocol.AgentStatus).Status
	assert.True(t, first.IsActive)
	assert.Equal(t, 0, first.Progress)
	assert.Equal(t, 60, statuses[2].(protocol.AgentStatus).Status.Progress)

	final := f.conn.lastStatus(t)
	assert.False(t, final.IsActive)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, domain.AgentIdle, f.s.State())

	f.d.Wait()
	assert.Equal(t, []domain.TurnOutcome{domain.TurnCompleted}, f.history.outcomes())
	assert.Equal(t, "Searching done", f.s.Turns()[0].Reply)
}

func TestSecondMessageWhileProcessingIsRejected(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "first"))
	f.bridge.handle(t, 0)

	f.send(userMessage("m2", "second"))
	busy := f.conn.waitFor(t, protocol.TypeAgentError, 1)[0].(protocol.AgentError)
	assert.Equal(t, protocol.CodeAgentBusy, busy.Code)
	assert.Equal(t, "m2", busy.MessageID)
	assert.Equal(t, 1, f.bridge.invocations())
	close(f.bridge.handle(t, 0).events)
}

func TestRateCheckPrecedesStateGate(t *testing.T) {
	f := newFixture(t, 0)
	for i := 1; i <= 6; i++ {
		f.send(userMessage(fmt.Sprintf("m%d", i), "hello"))
	}

	assert.Len(t, f.conn.ofType(protocol.TypeAgentError), 4, "messages 2-5 hit the busy session")
	limited := f.conn.waitFor(t, protocol.TypeRateLimitExceeded, 1)
	require.Len(t, limited, 1)
	frame := limited[0].(protocol.RateLimitExceeded)
	assert.Equal(t, "messages", frame.Dimension)
	assert.Positive(t, frame.RetryAfterMs)
	close(f.bridge.handle(t, 0).events)
}

func TestInterruptDropsLateToolComplete(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "browse"))
	h := f.bridge.handle(t, 0)

	h.events <- agent.Event{Kind: agent.EventToolStart, Tool: "web_browser"}
	f.conn.waitFor(t, protocol.TypeToolStart, 1)
	require.Eventually(t, func() bool { return len(f.s.Status().ToolsInUse) == 1 }, time.Second, 5*time.Millisecond)

	f.send(`{"type":"agent_interrupt","reason":"changed my mind"}`)
	st := f.conn.lastStatus(t)
	assert.False(t, st.IsActive)
	assert.Empty(t, st.ToolsInUse)
	assert.Equal(t, domain.AgentIdle, f.s.State())

	h.events <- agent.Event{Kind: agent.EventToolComplete, Tool: "web_browser"}
	h.events <- agent.Event{Kind: agent.EventComplete}

	require.Eventually(t, h.cancelled.Load, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.conn.ofType(protocol.TypeToolComplete))
	assert.Empty(t, f.conn.ofType(protocol.TypeMessageComplete))
	assert.Empty(t, f.s.Status().ToolsInUse)

	f.d.Wait()
	assert.Equal(t, []domain.TurnOutcome{domain.TurnInterrupted}, f.history.outcomes())
}

func TestInterruptWhenIdleStillReportsStatus(t *testing.T) {
	f := newFixture(t, 0)
	f.send(`{"type":"agent_interrupt"}`)
	assert.False(t, f.conn.lastStatus(t).IsActive)
}

func TestRuntimeErrorReturnsToIdle(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "x"))
	h := f.bridge.handle(t, 0)
	h.events <- agent.Event{Kind: agent.EventError, Err: fmt.Errorf("%w: model overloaded", domain.ErrAgentProcessing)}

	frame := f.conn.waitFor(t, protocol.TypeAgentError, 1)[0].(protocol.AgentError)
	assert.Equal(t, protocol.CodeAgentFailed, frame.Code)
	assert.Contains(t, frame.Error, "model overloaded")
	require.Eventually(t, func() bool { return f.s.State() == domain.AgentIdle }, time.Second, 5*time.Millisecond)
	assert.False(t, f.conn.lastStatus(t).IsActive)
}

func TestInvokeFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.bridge.err = fmt.Errorf("%w: connection refused", domain.ErrTransport)
	f.send(userMessage("m1", "x"))

	frame := f.conn.waitFor(t, protocol.TypeAgentError, 1)[0].(protocol.AgentError)
	assert.Equal(t, protocol.CodeUnavailable, frame.Code)
	assert.NotContains(t, frame.Error, "connection refused")
	assert.Equal(t, domain.AgentIdle, f.s.State())
}

func TestStalledTurnIsInterrupted(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.send(userMessage("m1", "x"))
	h := f.bridge.handle(t, 0)

	frame := f.conn.waitFor(t, protocol.TypeAgentError, 1)[0].(protocol.AgentError)
	assert.Equal(t, protocol.CodeTurnStalled, frame.Code)
	assert.Equal(t, domain.AgentIdle, f.s.State())
	require.Eventually(t, h.cancelled.Load, time.Second, 5*time.Millisecond)

	f.d.Wait()
	assert.Equal(t, []domain.TurnOutcome{domain.TurnStalled}, f.history.outcomes())
}

func TestToolGate(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "x"))
	f.bridge.handle(t, 0)
	gate := f.bridge.gates[0]

	assert.ErrorIs(t, gate(context.Background(), "calculator"), domain.ErrToolDisabled)
	assert.NoError(t, gate(context.Background(), "web_browser"))
	assert.ErrorIs(t, gate(context.Background(), "web_browser"), domain.ErrRateLimitExceeded)
	assert.NoError(t, gate(context.Background(), "brand_new_tool"))

	frame := f.conn.waitFor(t, protocol.TypeRateLimitExceeded, 1)[0].(protocol.RateLimitExceeded)
	assert.Equal(t, "tool", frame.Dimension)
	assert.Equal(t, "web_browser", frame.ToolName)

	denied := f.conn.waitFor(t, protocol.TypeError, 1)[0].(protocol.Error)
	assert.Equal(t, protocol.CodeToolDisabled, denied.Code)
	assert.Contains(t, denied.Message, "calculator")
	close(f.bridge.handle(t, 0).events)
}

func TestGateApprovalCoversOneToolStart(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "browse"))
	h := f.bridge.handle(t, 0)
	gate := f.bridge.gates[0]

	require.NoError(t, gate(context.Background(), "web_browser"))
	h.events <- agent.Event{Kind: agent.EventToolStart, Tool: "web_browser"}
	h.events <- agent.Event{Kind: agent.EventToolComplete, Tool: "web_browser"}
	h.events <- agent.Event{Kind: agent.EventComplete}

	done := f.conn.waitFor(t, protocol.TypeMessageComplete, 1)[0].(protocol.MessageComplete)
	assert.Equal(t, []string{"web_browser"}, done.ToolsUsed)
	assert.Len(t, f.conn.ofType(protocol.TypeToolStart), 1)
	assert.Empty(t, f.conn.ofType(protocol.TypeRateLimitExceeded), "an approved start is not counted twice")
}

func TestUngatedToolStartIsChecked(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "browse then compute"))
	h := f.bridge.handle(t, 0)

	// The runtime starts tools without asking the gate first.
	h.events <- agent.Event{Kind: agent.EventToolStart, Tool: "web_browser"}
	h.events <- agent.Event{Kind: agent.EventToolComplete, Tool: "web_browser"}
	h.events <- agent.Event{Kind: agent.EventToolStart, Tool: "web_browser"}
	h.events <- agent.Event{Kind: agent.EventToolUpdate, Tool: "web_browser", Progress: 40}
	h.events <- agent.Event{Kind: agent.EventToolComplete, Tool: "web_browser"}
	h.events <- agent.Event{Kind: agent.EventToolStart, Tool: "calculator"}
	h.events <- agent.Event{Kind: agent.EventToolArtifact, Tool: "calculator", Payload: json.RawMessage(`1`)}
	h.events <- agent.Event{Kind: agent.EventComplete}

	done := f.conn.waitFor(t, protocol.TypeMessageComplete, 1)[0].(protocol.MessageComplete)
	assert.Equal(t, []string{"web_browser"}, done.ToolsUsed)

	starts := f.conn.ofType(protocol.TypeToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "web_browser", starts[0].(protocol.ToolStart).Tool.Name)
	assert.Len(t, f.conn.ofType(protocol.TypeToolComplete), 1)
	assert.Empty(t, f.conn.ofType(protocol.TypeToolUpdate))
	assert.Empty(t, f.conn.ofType(protocol.TypeToolArtifact))

	limited := f.conn.ofType(protocol.TypeRateLimitExceeded)
	require.Len(t, limited, 1)
	assert.Equal(t, "web_browser", limited[0].(protocol.RateLimitExceeded).ToolName)

	denied := f.conn.ofType(protocol.TypeError)
	require.Len(t, denied, 1)
	assert.Equal(t, protocol.CodeToolDisabled, denied[0].(protocol.Error).Code)

	for _, fr := range f.conn.ofType(protocol.TypeAgentStatus) {
		assert.NotContains(t, fr.(protocol.AgentStatus).Status.ToolsInUse, "calculator")
	}
	assert.Empty(t, f.conn.lastStatus(t).ToolsInUse)
}

func TestInterruptCancelsRunningTools(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "browse"))
	h := f.bridge.handle(t, 0)

	h.events <- agent.Event{Kind: agent.EventToolStart, Tool: "web_browser"}
	f.conn.waitFor(t, protocol.TypeToolStart, 1)
	toolCtx := f.s.ToolContext("web_browser")
	require.NotNil(t, toolCtx)

	// An interaction with the running tool is bound to it.
	f.send(`{"type":"tool_interaction","toolName":"web_browser","action":"wait"}`)
	f.send(`{"type":"agent_interrupt"}`)

	assert.ErrorIs(t, toolCtx.Err(), context.Canceled)
	ie := f.conn.waitFor(t, protocol.TypeToolInteractionError, 1)[0].(protocol.ToolInteractionError)
	assert.Equal(t, context.Canceled.Error(), ie.Error)
	close(h.events)
}

func TestDisconnectRecordsInFlightTurn(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "browse"))
	h := f.bridge.handle(t, 0)
	h.events <- agent.Event{Kind: agent.EventChunk, Text: "partial"}
	f.conn.waitFor(t, protocol.TypeMessageChunk, 1)

	f.d.Disconnect(f.s)
	assert.Equal(t, domain.AgentIdle, f.s.State())
	// The bridge ends its stream once the turn context is cancelled.
	close(h.events)
	require.Eventually(t, h.cancelled.Load, time.Second, 5*time.Millisecond)

	f.d.Wait()
	assert.Equal(t, []domain.TurnOutcome{domain.TurnInterrupted}, f.history.outcomes())
	assert.Equal(t, "partial", f.history.records[0].Reply)

	// Disconnecting an idle session records nothing.
	f.d.Disconnect(f.s)
	f.d.Wait()
	assert.Len(t, f.history.outcomes(), 1)
}

func TestSessionAcceptsMessageOnceErrorIsReported(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "x"))
	h := f.bridge.handle(t, 0)
	h.events <- agent.Event{Kind: agent.EventError, Err: errors.New("model overloaded")}

	f.conn.waitFor(t, protocol.TypeAgentError, 1)
	f.send(userMessage("m2", "y"))
	f.bridge.handle(t, 1)

	errs := f.conn.ofType(protocol.TypeAgentError)
	require.Len(t, errs, 1)
	assert.Equal(t, "m1", errs[0].(protocol.AgentError).MessageID)

	var types []string
	for _, fr := range f.conn.snapshot() {
		types = append(types, fr.FrameType())
	}
	// agent_error is followed by the idle status before the next turn's frames.
	assert.Equal(t, []string{
		protocol.TypeAgentTyping, protocol.TypeAgentStatus,
		protocol.TypeAgentError, protocol.TypeAgentStatus,
		protocol.TypeAgentTyping, protocol.TypeAgentStatus,
	}, types)
	close(f.bridge.handle(t, 1).events)
}

func TestRelayedTypingIsNotRepeated(t *testing.T) {
	f := newFixture(t, 0)
	f.send(userMessage("m1", "x"))
	h := f.bridge.handle(t, 0)

	h.events <- agent.Event{Kind: agent.EventTyping}
	h.events <- agent.Event{Kind: agent.EventChunk, Text: "thinking"}
	h.events <- agent.Event{Kind: agent.EventTyping}
	h.events <- agent.Event{Kind: agent.EventTyping}
	h.events <- agent.Event{Kind: agent.EventComplete}
	f.conn.waitFor(t, protocol.TypeMessageComplete, 1)

	// One indicator when the turn starts and one more after the chunk.
	assert.Len(t, f.conn.ofType(protocol.TypeAgentTyping), 2)
}

func TestEchoTurnShowsTypingOnce(t *testing.T) {
	d := New(Options{
		Limiter:    ratelimit.New(testPolicy()),
		Bridge:     agent.NewEchoBridge(nil, 0),
		Interactor: fakeInteractor{},
	})
	conn := &recordingConn{}
	s := session.NewRegistry(nil).Create("u1", domain.TierFree, conn)

	d.Handle(context.Background(), s, []byte(userMessage("m1", "hello there")))
	conn.waitFor(t, protocol.TypeMessageComplete, 1)
	d.Wait()
	assert.Len(t, conn.ofType(protocol.TypeAgentTyping), 1)
}

func TestProtocolErrorKeepsSession(t *testing.T) {
	f := newFixture(t, 0)
	f.send(`not json`)
	f.send(`{"type":"subscribe"}`)

	errs := f.conn.waitFor(t, protocol.TypeError, 2)
	assert.Equal(t, protocol.CodeProtocolError, errs[0].(protocol.Error).Code)

	f.send(`{"type":"ping"}`)
	f.conn.waitFor(t, protocol.TypePong, 1)
}

func TestPingCostsNothing(t *testing.T) {
	f := newFixture(t, 0)
	for i := 0; i < 20; i++ {
		f.send(`{"type":"ping"}`)
	}
	assert.Len(t, f.conn.ofType(protocol.TypePong), 20)

	f.send(userMessage("m1", "x"))
	assert.Equal(t, 1, f.bridge.invocations())
	close(f.bridge.handle(t, 0).events)
}

func TestToolInteraction(t *testing.T) {
	f := newFixture(t, 0)
	f.send(`{"type":"tool_interaction","toolName":"web_browser","action":"scroll","data":{"y":1}}`)
	res := f.conn.waitFor(t, protocol.TypeToolInteractionResult, 1)[0].(protocol.ToolInteractionResult)
	assert.Equal(t, "scroll", res.Action)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))

	f.send(`{"type":"tool_interaction","toolName":"web_browser","action":"fail"}`)
	ie := f.conn.waitFor(t, protocol.TypeToolInteractionError, 1)[0].(protocol.ToolInteractionError)
	assert.Equal(t, "page not loaded", ie.Error)

	f.send(`{"type":"tool_interaction","toolName":"calculator","action":"clear"}`)
	ie = f.conn.waitFor(t, protocol.TypeToolInteractionError, 2)[1].(protocol.ToolInteractionError)
	assert.Equal(t, domain.ErrToolDisabled.Error(), ie.Error)
	assert.Equal(t, protocol.CodeToolDisabled, ie.Code)
}

func TestConcurrentSessionsDoNotInterleave(t *testing.T) {
	policy := testPolicy()
	tl := policy.Tiers[domain.TierFree]
	tl.MessagesPerWindow = 100
	policy.Tiers[domain.TierFree] = tl

	d := New(Options{
		Limiter:    ratelimit.New(policy),
		Bridge:     agent.NewEchoBridge(nil, time.Millisecond),
		Interactor: fakeInteractor{},
	})
	reg := session.NewRegistry(nil)

	type peer struct {
		conn    *recordingConn
		s       *session.Session
		content string
	}
	var peers []peer
	for i := 0; i < 4; i++ {
		c := &recordingConn{}
		content := strings.Repeat(fmt.Sprintf("s%d ", i), 20)
		peers = append(peers, peer{conn: c, s: reg.Create(fmt.Sprintf("user%d", i), domain.TierFree, c), content: strings.TrimSpace(content)})
	}

	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p peer) {
			defer wg.Done()
			d.Handle(context.Background(), p.s, []byte(userMessage(fmt.Sprintf("msg-%d", i), p.content)))
		}(i, p)
	}
	wg.Wait()

	for i, p := range peers {
		p.conn.waitFor(t, protocol.TypeMessageComplete, 1)
		var reply strings.Builder
		for _, f := range p.conn.ofType(protocol.TypeMessageChunk) {
			chunk := f.(protocol.MessageChunk)
			assert.Equal(t, fmt.Sprintf("msg-%d", i), chunk.MessageID)
			reply.WriteString(chunk.Chunk)
		}
		assert.Equal(t, p.content, reply.String())
	}
	d.Wait()
}
