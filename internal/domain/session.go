package domain

import (
	"time"
)

// AgentState is the state of a session's agent turn machine.
type AgentState string

const (
	// AgentIdle means the session accepts a new user turn.
	AgentIdle AgentState = "idle"
	// AgentProcessing means a turn is in flight.
	AgentProcessing AgentState = "processing"
	// AgentError names the failed-turn state. FailTurn reports it with an agent_error frame and
	// returns the session to idle under the same lock, so a session never rests in it.
	AgentError AgentState = "error"
)

// TurnOutcome describes how a turn ended.
type TurnOutcome string

const (
	TurnCompleted   TurnOutcome = "completed"
	TurnFailed      TurnOutcome = "failed"
	TurnInterrupted TurnOutcome = "interrupted"
	TurnStalled     TurnOutcome = "stalled"
)

// TurnEntry is one exchange in a session's append-only log.
type TurnEntry struct {
	TurnID    uint64
	MessageID string
	Content   string
	Reply     string
	ToolsUsed []string
	Outcome   TurnOutcome
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// TurnRecord is the persisted form of a finished turn.
type TurnRecord struct {
	ID        string
	SessionID string
	UserID    string
	Tier      Tier
	TurnEntry
}

// AgentStatus is the client-visible summary of a session's agent.
type AgentStatus struct {
	IsActive    bool     `json:"isActive"`
	CurrentTask string   `json:"currentTask"`
	ToolsInUse  []string `json:"toolsInUse"`
	Progress    int      `json:"progress"`
}
