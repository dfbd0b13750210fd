package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/tools"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Runtime service and method names. Messages are google.protobuf.Struct so the runtime
// can be written in any language without shared generated code.
const (
	RuntimeService        = "agentgate.runtime.v1.AgentRuntime"
	runTurnMethod         = "/" + RuntimeService + "/RunTurn"
	toolInteractionMethod = "/" + RuntimeService + "/ToolInteraction"
)

var runTurnStream = grpc.StreamDesc{
	StreamName:    "RunTurn",
	ServerStreams: true,
	ClientStreams: true,
}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errRuntimeNotServing        = errors.New("runtime not serving")
)

// GrpcBridge runs turns on a remote agent runtime over a bidirectional gRPC stream.
type GrpcBridge struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcBridgeConfig holds configuration for the runtime connection.
type GrpcBridgeConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcBridgeConfig returns default configuration for addr.
func DefaultGrpcBridgeConfig(addr string) GrpcBridgeConfig {
	return GrpcBridgeConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcBridge connects to the runtime and waits until the connection is ready.
func NewGrpcBridge(cfg GrpcBridgeConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcBridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime client for %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad runtime endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent runtime at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent runtime", "address", cfg.Address)
	return &GrpcBridge{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the runtime connection.
func (b *GrpcBridge) Close() {
	if err := b.conn.Close(); err != nil {
		b.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

// Ready checks the runtime's health service.
func (b *GrpcBridge) Ready(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(b.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: RuntimeService})
	if err != nil {
		return fmt.Errorf("%w: health check: %v", domain.ErrTransport, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errRuntimeNotServing, resp.GetStatus())
	}
	return nil
}

// Invoke opens a RunTurn stream and sends the user message. Runtime messages are decoded
// into events on a dedicated goroutine, which also answers tool requests through gate.
func (b *GrpcBridge) Invoke(ctx context.Context, req TurnRequest, gate ToolGate) (Handle, error) {
	es := newEventStream(ctx)

	stream, err := b.conn.NewStream(es.ctx, &runTurnStream, runTurnMethod)
	if err != nil {
		es.cancel()
		return nil, fmt.Errorf("%w: open turn stream: %v", domain.ErrTransport, err)
	}

	start, err := structpb.NewStruct(map[string]any{
		"type":       "start",
		"session_id": req.SessionID,
		"user_id":    req.UserID,
		"tier":       string(req.Tier),
		"message_id": req.MessageID,
		"content":    req.Content,
	})
	if err != nil {
		es.cancel()
		return nil, fmt.Errorf("encode turn request: %w", err)
	}
	if err := stream.SendMsg(start); err != nil {
		es.cancel()
		return nil, fmt.Errorf("%w: send turn request: %v", domain.ErrTransport, err)
	}

	go b.pump(es, stream, req, gate)
	return es, nil
}

// pump is the only sender on stream once Invoke returns.
func (b *GrpcBridge) pump(es *eventStream, stream grpc.ClientStream, req TurnRequest, gate ToolGate) {
	defer es.close()

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if es.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				es.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: runtime ended the turn without completing", domain.ErrAgentProcessing)})
				return
			}
			es.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: turn stream: %v", domain.ErrTransport, err)})
			return
		}

		if stringField(msg, "type") == "tool_request" {
			if err := stream.SendMsg(toolDecision(es.ctx, stringField(msg, "tool"), gate)); err != nil {
				if es.ctx.Err() == nil {
					es.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: send tool decision: %v", domain.ErrTransport, err)})
				}
				return
			}
			continue
		}

		ev, ok := decodeEvent(msg)
		if !ok {
			b.logger.Debug("Ignoring unknown runtime message", "type", stringField(msg, "type"), "session_id", req.SessionID)
			continue
		}
		if !es.emit(ev) {
			return
		}
		if ev.Kind == EventComplete || ev.Kind == EventError {
			_ = stream.CloseSend()
			return
		}
	}
}

func toolDecision(ctx context.Context, tool string, gate ToolGate) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"type":    structpb.NewStringValue("tool_decision"),
		"tool":    structpb.NewStringValue(tool),
		"allowed": structpb.NewBoolValue(true),
	}
	if gate != nil {
		if err := gate(ctx, tool); err != nil {
			fields["allowed"] = structpb.NewBoolValue(false)
			fields["reason"] = structpb.NewStringValue(err.Error())
		}
	}
	return &structpb.Struct{Fields: fields}
}

func decodeEvent(msg *structpb.Struct) (Event, bool) {
	tool := stringField(msg, "tool")
	switch stringField(msg, "type") {
	case "typing":
		return Event{Kind: EventTyping}, true
	case "chunk":
		return Event{Kind: EventChunk, Text: stringField(msg, "text")}, true
	case "tool_start":
		return Event{Kind: EventToolStart, Tool: tool}, true
	case "tool_update":
		return Event{Kind: EventToolUpdate, Tool: tool, Payload: rawField(msg, "update"), Progress: int(numberField(msg, "progress"))}, true
	case "tool_artifact":
		return Event{Kind: EventToolArtifact, Tool: tool, ArtifactKind: stringField(msg, "kind"), Payload: rawField(msg, "payload")}, true
	case "tool_complete":
		return Event{Kind: EventToolComplete, Tool: tool, Payload: rawField(msg, "result")}, true
	case "complete":
		var used []string
		for _, v := range msg.GetFields()["tools_used"].GetListValue().GetValues() {
			used = append(used, v.GetStringValue())
		}
		return Event{Kind: EventComplete, ToolsUsed: used}, true
	case "error":
		text := stringField(msg, "message")
		if text == "" {
			text = "unknown runtime error"
		}
		return Event{Kind: EventError, Err: fmt.Errorf("%w: %s", domain.ErrAgentProcessing, text)}, true
	}
	return Event{}, false
}

// Interact relays a client interaction to the runtime's tool subsystem.
func (b *GrpcBridge) Interact(ctx context.Context, in tools.Interaction) (json.RawMessage, error) {
	var data any
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: invalid interaction data: %v", domain.ErrProtocol, err)
		}
	}
	req, err := structpb.NewStruct(map[string]any{
		"session_id": in.SessionID,
		"user_id":    in.UserID,
		"tool":       in.ToolName,
		"action":     in.Action,
		"data":       data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tool interaction: %w", err)
	}

	resp := new(structpb.Struct)
	if err := b.conn.Invoke(ctx, toolInteractionMethod, req, resp); err != nil {
		return nil, fmt.Errorf("%w: tool interaction: %v", domain.ErrTransport, err)
	}
	if msg := stringField(resp, "error"); msg != "" {
		return nil, errors.New(msg)
	}
	return rawField(resp, "result"), nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

// rawField renders a Struct field as JSON; missing fields are null.
func rawField(s *structpb.Struct, key string) json.RawMessage {
	v, ok := s.GetFields()[key]
	if !ok {
		return json.RawMessage("null")
	}
	data, err := json.Marshal(v.AsInterface())
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

var (
	_ Bridge           = (*GrpcBridge)(nil)
	_ tools.Interactor = (*GrpcBridge)(nil)
)
