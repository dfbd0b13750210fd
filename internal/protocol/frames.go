// Package protocol defines the JSON frames exchanged over a client connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
)

// Client to server frame types.
const (
	TypeUserMessage     = "user_message"
	TypeToolInteraction = "tool_interaction"
	TypeAgentInterrupt  = "agent_interrupt"
	TypePing            = "ping"
)

// Server to client frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeAgentTyping           = "agent_typing"
	TypeMessageChunk          = "message_chunk"
	TypeToolStart             = "tool_start"
	TypeToolUpdate            = "tool_update"
	TypeToolScreenshot        = "tool_screenshot"
	TypeToolArtifact          = "tool_artifact"
	TypeToolComplete          = "tool_complete"
	TypeMessageComplete       = "message_complete"
	TypeAgentError            = "agent_error"
	TypeRateLimitExceeded     = "rate_limit_exceeded"
	TypeAgentStatus           = "agent_status"
	TypePong                  = "pong"
	TypeToolInteractionResult = "tool_interaction_result"
	TypeToolInteractionError  = "tool_interaction_error"
	TypeError                 = "error"
)

// Error codes carried by agent_error and error frames.
const (
	CodeAgentBusy     = "agent_busy"
	CodeAgentFailed   = "agent_failed"
	CodeTurnStalled   = "turn_stalled"
	CodeToolDisabled  = "tool_disabled"
	CodeProtocolError = "protocol_error"
	CodeUnavailable   = "agent_unavailable"
)

// Inbound is a decoded client frame. Only the fields for Type are populated.
type Inbound struct {
	Type string `json:"type"`

	// user_message
	Content   string `json:"content,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	UserTier  string `json:"userTier,omitempty"`

	// tool_interaction
	ToolName string          `json:"toolName,omitempty"`
	Action   string          `json:"action,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`

	// agent_interrupt
	Reason string `json:"reason,omitempty"`
}

// Decode parses and validates one inbound frame. Every failure wraps domain.ErrProtocol.
func Decode(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", domain.ErrProtocol, err)
	}
	switch in.Type {
	case TypeUserMessage:
		if in.Content == "" {
			return nil, fmt.Errorf("%w: user_message requires content", domain.ErrProtocol)
		}
	case TypeToolInteraction:
		if in.ToolName == "" || in.Action == "" {
			return nil, fmt.Errorf("%w: tool_interaction requires toolName and action", domain.ErrProtocol)
		}
	case TypeAgentInterrupt, TypePing:
	case "":
		return nil, fmt.Errorf("%w: frame has no type", domain.ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", domain.ErrProtocol, in.Type)
	}
	return &in, nil
}

// ConnectionEstablished is the first frame of every admitted connection.
type ConnectionEstablished struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"sessionId"`
	Capabilities []string `json:"capabilities"`
}

// AgentTyping signals the agent has started on a message.
type AgentTyping struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// MessageChunk is one streamed piece of the agent's reply.
type MessageChunk struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Chunk     string `json:"chunk"`
}

// ToolInfo describes a tool that has started.
type ToolInfo struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"startTime"`
}

// ToolStart announces a tool invocation.
type ToolStart struct {
	Type string   `json:"type"`
	Tool ToolInfo `json:"tool"`
}

// ToolUpdate carries intermediate tool progress.
type ToolUpdate struct {
	Type     string          `json:"type"`
	ToolName string          `json:"toolName"`
	Update   json.RawMessage `json:"update"`
}

// ToolArtifact carries a screenshot or other artifact; Type is tool_screenshot or tool_artifact.
type ToolArtifact struct {
	Type     string          `json:"type"`
	ToolName string          `json:"toolName"`
	Payload  json.RawMessage `json:"payload"`
}

// ToolComplete announces a finished tool.
type ToolComplete struct {
	Type     string          `json:"type"`
	ToolName string          `json:"toolName"`
	Result   json.RawMessage `json:"result"`
	EndTime  time.Time       `json:"endTime"`
}

// MessageComplete ends a turn.
type MessageComplete struct {
	Type      string   `json:"type"`
	MessageID string   `json:"messageId"`
	ToolsUsed []string `json:"toolsUsed"`
}

// AgentError reports a failed or rejected turn.
type AgentError struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
}

// RateLimitExceeded reports a rejected action.
type RateLimitExceeded struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	Dimension    string `json:"dimension,omitempty"`
	ToolName     string `json:"toolName,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// AgentStatus broadcasts the session's agent status.
type AgentStatus struct {
	Type   string             `json:"type"`
	Status domain.AgentStatus `json:"status"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// ToolInteractionResult relays a tool subsystem result verbatim.
type ToolInteractionResult struct {
	Type     string          `json:"type"`
	ToolName string          `json:"toolName"`
	Action   string          `json:"action"`
	Result   json.RawMessage `json:"result"`
}

// ToolInteractionError relays a tool subsystem error verbatim.
type ToolInteractionError struct {
	Type     string `json:"type"`
	ToolName string `json:"toolName"`
	Action   string `json:"action"`
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
}

// Error reports a problem with a client frame or a denied tool; the connection stays open.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outbound is any server frame.
type Outbound interface {
	FrameType() string
}

func (f ConnectionEstablished) FrameType() string { return f.Type }
func (f AgentTyping) FrameType() string           { return f.Type }
func (f MessageChunk) FrameType() string          { return f.Type }
func (f ToolStart) FrameType() string             { return f.Type }
func (f ToolUpdate) FrameType() string            { return f.Type }
func (f ToolArtifact) FrameType() string          { return f.Type }
func (f ToolComplete) FrameType() string          { return f.Type }
func (f MessageComplete) FrameType() string       { return f.Type }
func (f AgentError) FrameType() string            { return f.Type }
func (f RateLimitExceeded) FrameType() string     { return f.Type }
func (f AgentStatus) FrameType() string           { return f.Type }
func (f Pong) FrameType() string                  { return f.Type }
func (f ToolInteractionResult) FrameType() string { return f.Type }
func (f ToolInteractionError) FrameType() string  { return f.Type }
func (f Error) FrameType() string                 { return f.Type }
