package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct {
	mu     sync.Mutex
	closed int
}

func (c *nopConn) Send(protocol.Outbound) error { return nil }

func (c *nopConn) Close(string) {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

type frameConn struct {
	nopConn
	frames []protocol.Outbound
}

func (c *frameConn) Send(f protocol.Outbound) error {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *frameConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.FrameType())
	}
	return out
}

func TestRegistryCreateGetRemove(t *testing.T) {
	r := NewRegistry(nil)
	s := r.Create("user123", domain.TierFree, &nopConn{})

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, domain.AgentIdle, s.State())
	assert.Equal(t, 1, r.Len())

	_, ok = r.Remove(s.ID)
	assert.True(t, ok)
	_, ok = r.Remove(s.ID)
	assert.False(t, ok, "second remove is a no-op")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCountForUser(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("a", domain.TierPremium, &nopConn{})
	r.Create("a", domain.TierPremium, &nopConn{})
	r.Create("b", domain.TierFree, &nopConn{})

	assert.Equal(t, 2, r.CountForUser("a"))
	assert.Equal(t, 1, r.CountForUser("b"))
	assert.Len(t, r.List(), 3)
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(nil)
	c1, c2 := &nopConn{}, &nopConn{}
	r.Create("a", domain.TierFree, c1)
	r.Create("b", domain.TierFree, c2)

	r.CloseAll("shutdown")
	assert.Equal(t, 1, c1.closed)
	assert.Equal(t, 1, c2.closed)
}

func TestTurnLifecycle(t *testing.T) {
	r := NewRegistry(nil)
	s := r.Create("u", domain.TierFree, &nopConn{})

	id, err := s.BeginTurn("m1", "find flights", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentProcessing, s.State())

	_, err = s.BeginTurn("m2", "again", nil)
	assert.ErrorIs(t, err, domain.ErrSessionBusy)

	require.True(t, s.ToolStarted(context.Background(), id, "web_browser", nil))
	st := s.Status()
	assert.True(t, st.IsActive)
	assert.Equal(t, "find flights", st.CurrentTask)
	assert.Equal(t, []string{"web_browser"}, st.ToolsInUse)

	require.True(t, s.AppendReply(id, "hello "))
	require.True(t, s.AppendReply(id, "world"))
	require.True(t, s.ToolCompleted(id, "web_browser"))

	entry, ok := s.CompleteTurn(id, nil)
	require.True(t, ok)
	assert.Equal(t, "hello world", entry.Reply)
	assert.Equal(t, []string{"web_browser"}, entry.ToolsUsed)
	assert.Equal(t, domain.TurnCompleted, entry.Outcome)
	assert.Equal(t, domain.AgentIdle, s.State())
	assert.Len(t, s.Turns(), 1)

	next, err := s.BeginTurn("m3", "next", nil)
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestFailTurnPassesThroughError(t *testing.T) {
	conn := &frameConn{}
	s := NewRegistry(nil).Create("u", domain.TierFree, conn)
	id, err := s.BeginTurn("m1", "x", nil)
	require.NoError(t, err)

	notice := protocol.AgentError{Type: protocol.TypeAgentError, Code: protocol.CodeAgentFailed, Error: "runtime crashed"}
	entry, ok := s.FailTurn(id, errors.New("runtime crashed"), notice)
	require.True(t, ok)
	assert.Equal(t, "runtime crashed", entry.Error)
	assert.Equal(t, domain.AgentIdle, s.State())
	assert.Equal(t, []string{protocol.TypeAgentError, protocol.TypeAgentStatus}, conn.types())

	_, err = s.BeginTurn("m2", "y", nil)
	assert.NoError(t, err, "session accepts a new message once the error is reported")
}

func TestCompleteTurnSendsNotificationBeforeNextTurn(t *testing.T) {
	conn := &frameConn{}
	s := NewRegistry(nil).Create("u", domain.TierFree, conn)
	id, err := s.BeginTurn("m1", "x", nil)
	require.NoError(t, err)
	require.True(t, s.AppendReply(id, "done"))

	_, ok := s.CompleteTurn(id, func(e domain.TurnEntry) protocol.Outbound {
		return protocol.MessageComplete{Type: protocol.TypeMessageComplete, MessageID: e.MessageID}
	})
	require.True(t, ok)
	_, err = s.BeginTurn("m2", "y", nil)
	require.NoError(t, err)
	require.NoError(t, s.SendStatus())

	assert.Equal(t, []string{
		protocol.TypeMessageComplete,
		protocol.TypeAgentStatus,
		protocol.TypeAgentStatus,
	}, conn.types())
	last := conn.frames[2].(protocol.AgentStatus)
	assert.True(t, last.Status.IsActive)
	first := conn.frames[1].(protocol.AgentStatus)
	assert.False(t, first.Status.IsActive)
}

func TestCompletedToolReleasesContext(t *testing.T) {
	s := NewRegistry(nil).Create("u", domain.TierFree, &nopConn{})
	id, _ := s.BeginTurn("m1", "x", nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.ToolStarted(ctx, id, "calculator", cancel))
	assert.Same(t, ctx, s.ToolContext("calculator"))

	require.True(t, s.ToolCompleted(id, "calculator"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Nil(t, s.ToolContext("calculator"))
}

func TestFinishedTurnCancelsRemainingTools(t *testing.T) {
	s := NewRegistry(nil).Create("u", domain.TierFree, &nopConn{})
	id, _ := s.BeginTurn("m1", "x", nil)
	cancelled := false
	require.True(t, s.ToolStarted(context.Background(), id, "web_browser", func() { cancelled = true }))

	_, ok := s.CompleteTurn(id, nil)
	require.True(t, ok)
	assert.True(t, cancelled)
	assert.Empty(t, s.Status().ToolsInUse)
}

func TestInterruptClearsToolsAndDropsLateEvents(t *testing.T) {
	s := NewRegistry(nil).Create("u", domain.TierFree, &nopConn{})

	turnCancelled, toolCancelled := false, false
	id, err := s.BeginTurn("m1", "x", func() { turnCancelled = true })
	require.NoError(t, err)
	require.True(t, s.ToolStarted(context.Background(), id, "market_data", func() { toolCancelled = true }))

	entry, ok := s.Interrupt("user")
	require.True(t, ok)
	assert.Equal(t, domain.TurnInterrupted, entry.Outcome)
	assert.True(t, turnCancelled)
	assert.True(t, toolCancelled)

	st := s.Status()
	assert.False(t, st.IsActive)
	assert.Empty(t, st.ToolsInUse)

	// A late tool_complete for the interrupted turn must not mutate state.
	assert.False(t, s.ToolCompleted(id, "market_data"))
	assert.False(t, s.ToolStarted(context.Background(), id, "web_browser", nil))
	_, ok = s.CompleteTurn(id, nil)
	assert.False(t, ok)
	assert.Equal(t, domain.AgentIdle, s.State())
	assert.Empty(t, s.Status().ToolsInUse)
}

func TestInterruptWhenIdle(t *testing.T) {
	s := NewRegistry(nil).Create("u", domain.TierFree, &nopConn{})
	_, ok := s.Interrupt("user")
	assert.False(t, ok)
	assert.Equal(t, domain.AgentIdle, s.State())
}

func TestStallIgnoresStaleTurn(t *testing.T) {
	conn := &frameConn{}
	s := NewRegistry(nil).Create("u", domain.TierFree, conn)
	first, _ := s.BeginTurn("m1", "x", nil)
	_, _ = s.CompleteTurn(first, nil)
	second, _ := s.BeginTurn("m2", "y", nil)

	notice := protocol.AgentError{Type: protocol.TypeAgentError, Code: protocol.CodeTurnStalled}
	_, ok := s.Stall(first, notice)
	assert.False(t, ok)
	assert.Equal(t, domain.AgentProcessing, s.State())
	assert.Empty(t, conn.types())

	entry, ok := s.Stall(second, notice)
	require.True(t, ok)
	assert.Equal(t, domain.TurnStalled, entry.Outcome)
	assert.Equal(t, []string{protocol.TypeAgentError, protocol.TypeAgentStatus}, conn.types())
}

func TestProgressClamped(t *testing.T) {
	s := NewRegistry(nil).Create("u", domain.TierFree, &nopConn{})
	id, _ := s.BeginTurn("m1", "x", nil)
	s.SetProgress(id, 140)
	assert.Equal(t, 100, s.Status().Progress)
	s.SetProgress(id, -3)
	assert.Equal(t, 0, s.Status().Progress)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	ids := make(chan string, 200)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s := r.Create("user"+strconv.Itoa(n), domain.TierFree, &nopConn{})
				ids <- s.ID
				r.CountForUser("user" + strconv.Itoa(n))
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	assert.Equal(t, 200, r.Len())
	for id := range ids {
		r.Remove(id)
	}
	assert.Equal(t, 0, r.Len())
}
