package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/agentgate/internal/tools"
)

// EchoBridge is a local runtime for development. It streams the message back word by
// word and exercises any enabled tool the message names.
type EchoBridge struct {
	catalog *tools.Catalog
	delay   time.Duration
}

// NewEchoBridge creates an echo runtime. delay is the pause between streamed words.
func NewEchoBridge(catalog *tools.Catalog, delay time.Duration) *EchoBridge {
	return &EchoBridge{catalog: catalog, delay: delay}
}

// Invoke starts an echo turn.
func (b *EchoBridge) Invoke(ctx context.Context, req TurnRequest, gate ToolGate) (Handle, error) {
	es := newEventStream(ctx)
	go b.run(es, req, gate)
	return es, nil
}

func (b *EchoBridge) run(es *eventStream, req TurnRequest, gate ToolGate) {
	defer es.close()

	if !es.emit(Event{Kind: EventTyping}) {
		return
	}

	var used []string
	for _, name := range b.mentionedTools(req.Content) {
		if gate != nil && gate(es.ctx, name) != nil {
			continue
		}
		used = append(used, name)
		if !es.emit(Event{Kind: EventToolStart, Tool: name}) {
			return
		}
		update, _ := json.Marshal(map[string]string{"status": "running"})
		if !es.emit(Event{Kind: EventToolUpdate, Tool: name, Payload: update, Progress: 50}) {
			return
		}
		result, _ := json.Marshal(map[string]string{"echo": req.Content})
		if !es.emit(Event{Kind: EventToolComplete, Tool: name, Payload: result}) {
			return
		}
	}

	words := strings.Fields(req.Content)
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		if !b.sleep(es.ctx) || !es.emit(Event{Kind: EventChunk, Text: w}) {
			return
		}
	}
	es.emit(Event{Kind: EventComplete, ToolsUsed: used})
}

func (b *EchoBridge) mentionedTools(content string) []string {
	if b.catalog == nil {
		return nil
	}
	var names []string
	for _, name := range b.catalog.Names() {
		if strings.Contains(content, name) {
			names = append(names, name)
		}
	}
	return names
}

func (b *EchoBridge) sleep(ctx context.Context) bool {
	if b.delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(b.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Interact acknowledges the interaction without a real tool behind it.
func (b *EchoBridge) Interact(_ context.Context, in tools.Interaction) (json.RawMessage, error) {
	if b.catalog != nil && !b.catalog.Enabled(in.ToolName) {
		return nil, fmt.Errorf("tool %s is not available", in.ToolName)
	}
	data := in.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(map[string]any{"action": in.Action, "data": data, "acknowledged": true})
}

var (
	_ Bridge           = (*EchoBridge)(nil)
	_ tools.Interactor = (*EchoBridge)(nil)
)
