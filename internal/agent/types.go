// Package agent is the gateway's contract with the agent runtime that executes turns.
package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ashureev/agentgate/internal/domain"
)

// EventKind names a runtime event.
type EventKind string

const (
	EventTyping       EventKind = "typing"
	EventChunk        EventKind = "chunk"
	EventToolStart    EventKind = "tool_start"
	EventToolUpdate   EventKind = "tool_update"
	EventToolArtifact EventKind = "tool_artifact"
	EventToolComplete EventKind = "tool_complete"
	EventComplete     EventKind = "complete"
	EventError        EventKind = "error"
)

// ArtifactScreenshot is the artifact kind relayed as a tool_screenshot frame.
const ArtifactScreenshot = "screenshot"

// Event is one item of a turn's ordered event stream.
type Event struct {
	Kind EventKind

	// Text is the reply fragment of a chunk event.
	Text string

	// Tool names the tool for tool_* events.
	Tool string
	// ArtifactKind is set on tool_artifact events.
	ArtifactKind string
	// Payload is the update, artifact or result body.
	Payload json.RawMessage
	// Progress is a runtime-reported completion percentage. Zero means not reported.
	Progress int

	// ToolsUsed is set on complete events.
	ToolsUsed []string

	// Err is set on error events and wraps domain.ErrAgentProcessing or domain.ErrTransport.
	Err error
}

// TurnRequest is one user message handed to the runtime.
type TurnRequest struct {
	SessionID string
	UserID    string
	Tier      domain.Tier
	MessageID string
	Content   string
}

// ToolGate is consulted before the runtime starts a tool. A non-nil error denies the
// tool and is reported back to the runtime.
type ToolGate func(ctx context.Context, tool string) error

// Handle is a running turn.
type Handle interface {
	// Events is closed after the terminal complete or error event, or after Cancel.
	Events() <-chan Event
	// Cancel stops the turn. Safe to call after completion and more than once.
	Cancel()
}

// Bridge invokes the agent runtime.
type Bridge interface {
	Invoke(ctx context.Context, req TurnRequest, gate ToolGate) (Handle, error)
}

// eventStream is the Handle shared by bridge implementations.
type eventStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	once   sync.Once
}

func newEventStream(parent context.Context) *eventStream {
	ctx, cancel := context.WithCancel(parent)
	return &eventStream{ctx: ctx, cancel: cancel, events: make(chan Event, 16)}
}

func (s *eventStream) Events() <-chan Event { return s.events }

func (s *eventStream) Cancel() { s.cancel() }

// emit delivers ev unless the turn was cancelled.
func (s *eventStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// close ends the stream and releases the turn context.
func (s *eventStream) close() {
	s.once.Do(func() {
		close(s.events)
		s.cancel()
	})
}
