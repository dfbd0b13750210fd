package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ashureev/agentgate/internal/domain"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		want    string
	}{
		{name: "user message", raw: `{"type":"user_message","content":"hi","messageId":"m1","userTier":"free"}`, want: TypeUserMessage},
		{name: "empty content", raw: `{"type":"user_message","messageId":"m1"}`, wantErr: true},
		{name: "tool interaction", raw: `{"type":"tool_interaction","toolName":"web_browser","action":"scroll","data":{"y":10}}`, want: TypeToolInteraction},
		{name: "tool interaction missing action", raw: `{"type":"tool_interaction","toolName":"web_browser"}`, wantErr: true},
		{name: "interrupt without reason", raw: `{"type":"agent_interrupt"}`, want: TypeAgentInterrupt},
		{name: "ping", raw: `{"type":"ping"}`, want: TypePing},
		{name: "unknown", raw: `{"type":"subscribe"}`, wantErr: true},
		{name: "no type", raw: `{"content":"x"}`, wantErr: true},
		{name: "not json", raw: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, domain.ErrProtocol) {
					t.Fatalf("expected protocol error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Type != tt.want {
				t.Errorf("expected type %q, got %q", tt.want, got.Type)
			}
		})
	}
}

func TestToolInteractionKeepsRawData(t *testing.T) {
	in, err := Decode([]byte(`{"type":"tool_interaction","toolName":"t","action":"a","data":{"k":[1,2]}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(in.Data) != `{"k":[1,2]}` {
		t.Errorf("unexpected data: %s", in.Data)
	}
}

func TestAgentStatusWireShape(t *testing.T) {
	data, err := json.Marshal(AgentStatus{Type: TypeAgentStatus, Status: domain.AgentStatus{ToolsInUse: []string{}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"agent_status","status":{"isActive":false,"currentTask":"","toolsInUse":[],"progress":0}}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}
