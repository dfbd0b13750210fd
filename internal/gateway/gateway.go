// Package gateway accepts client WebSocket connections and binds each one to a session.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/heartbeat"
	"github.com/ashureev/agentgate/internal/identity"
	"github.com/ashureev/agentgate/internal/metrics"
	"github.com/ashureev/agentgate/internal/presence"
	"github.com/ashureev/agentgate/internal/protocol"
	"github.com/ashureev/agentgate/internal/ratelimit"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/tools"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Close codes and reasons for refused connections.
const (
	StatusAuthenticationFailed    websocket.StatusCode = 4401
	StatusConnectionLimitExceeded websocket.StatusCode = 4429

	ReasonAuthenticationFailed    = "authentication_failed"
	ReasonConnectionLimitExceeded = "connection_limit_exceeded"
)

const (
	defaultQueueSize  = 256
	lastSeenTimeout   = 5 * time.Second
	presenceTimeout   = 2 * time.Second
	maxInboundMessage = 64 << 10
)

// Authenticator resolves the claimed user id of a connection request.
type Authenticator interface {
	Resolve(ctx context.Context, claimedUserID, token string) (domain.Principal, error)
}

// FrameHandler processes inbound client frames.
type FrameHandler interface {
	Handle(ctx context.Context, s *session.Session, data []byte)
	// Disconnect is called once when the connection closes, before the session is removed.
	Disconnect(s *session.Session)
}

// LastSeenRecorder stores when a user was last connected.
type LastSeenRecorder interface {
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Options wires a Gateway. Heartbeat, Presence, LastSeen and Metrics are optional.
type Options struct {
	Auth      Authenticator
	Limiter   *ratelimit.Limiter
	Registry  *session.Registry
	Handler   FrameHandler
	Catalog   *tools.Catalog
	Heartbeat *heartbeat.Monitor
	Presence  presence.Tracker
	LastSeen  LastSeenRecorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// AllowedOrigins lists accepted Origin headers; "*" accepts any.
	AllowedOrigins []string
	QueueSize      int
}

// Gateway is the WebSocket entry point.
type Gateway struct {
	auth      Authenticator
	limiter   *ratelimit.Limiter
	registry  *session.Registry
	handler   FrameHandler
	catalog   *tools.Catalog
	heartbeat *heartbeat.Monitor
	presence  presence.Tracker
	lastSeen  LastSeenRecorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	origins   []string
	queueSize int
}

// New creates a gateway.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := opts.Presence
	if tracker == nil {
		tracker = presence.Noop{}
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Gateway{
		auth:      opts.Auth,
		limiter:   opts.Limiter,
		registry:  opts.Registry,
		handler:   opts.Handler,
		catalog:   opts.Catalog,
		heartbeat: opts.Heartbeat,
		presence:  tracker,
		lastSeen:  opts.LastSeen,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "gateway"),
		origins:   origins,
		queueSize: queueSize,
	}
}

// Routes mounts the WebSocket endpoint.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/ws/{userID}", g.ServeWS)
}

// ServeWS upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	claimedUserID := chi.URLParam(r, "userID")
	logger := g.logger.With("user_id", claimedUserID, "ip", identity.IPFromRequest(r))
	logger.Info("WebSocket connection request")

	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(maxInboundMessage)

	principal, err := g.auth.Resolve(r.Context(), claimedUserID, identity.TokenFromRequest(r))
	if err != nil {
		g.metrics.AuthFailed()
		logger.Warn("Connection refused", "error", err)
		_ = ws.Close(StatusAuthenticationFailed, ReasonAuthenticationFailed)
		return
	}

	if !g.limiter.AcquireConnection(principal.UserID, principal.Tier) {
		logger.Warn("Connection refused", "error", domain.ErrConnectionLimitExceeded, "tier", principal.Tier)
		_ = ws.Close(StatusConnectionLimitExceeded, ReasonConnectionLimitExceeded)
		return
	}

	g.serve(r.Context(), ws, principal)
}

// serve owns an admitted connection. The connection slot is already held.
func (g *Gateway) serve(parent context.Context, ws *websocket.Conn, p domain.Principal) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	conn := newWSConn(ws, g.queueSize, g.logger.With("user_id", p.UserID))
	s := g.registry.Create(p.UserID, p.Tier, conn)
	logger := g.logger.With("user_id", p.UserID, "session_id", s.ID)
	conn.logger = logger

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		conn.writeLoop(ctx)
	}()

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			g.limiter.ReleaseConnection(p.UserID)
			g.handler.Disconnect(s)
			g.registry.Remove(s.ID)
			if g.heartbeat != nil {
				g.heartbeat.Unregister(s.ID)
			}
			g.withdraw(s.ID)
			g.touchLastSeen(p.UserID)
			g.metrics.ConnectionClosed()
			logger.Info("Connection closed")
		})
	}
	defer cleanup()

	g.metrics.ConnectionOpened()
	_ = s.Send(protocol.ConnectionEstablished{
		Type:         protocol.TypeConnectionEstablished,
		SessionID:    s.ID,
		Capabilities: g.catalog.Names(),
	})

	g.announce(ctx, s)
	if g.heartbeat != nil {
		g.heartbeat.Register(s.ID, &probeTarget{conn: conn, sessionID: s.ID, presence: g.presence, logger: logger})
	}
	logger.Info("Connection established", "tier", p.Tier)

	g.readLoop(ctx, ws, s, logger)

	// Let the writer finish its close handshake before tearing the socket down.
	cleanup()
	conn.Close("session ended")
	done := make(chan struct{})
	go func() {
		writer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(writeTimeout):
		_ = ws.CloseNow()
	}
}

func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, s *session.Session, logger *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				logger.Debug("WebSocket closed by client", "status", websocket.CloseStatus(err))
			case errors.Is(err, context.Canceled):
				logger.Debug("WebSocket read cancelled")
			default:
				logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
		if g.heartbeat != nil {
			g.heartbeat.MarkAlive(s.ID)
		}
		g.handler.Handle(ctx, s, data)
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	g.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", g.origins)
	return false
}

func (g *Gateway) announce(ctx context.Context, s *session.Session) {
	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	err := g.presence.Announce(pctx, presence.Entry{
		SessionID:   s.ID,
		UserID:      s.UserID,
		Tier:        s.Tier,
		ConnectedAt: s.CreatedAt,
	})
	if err != nil {
		g.logger.Warn("Failed to announce presence", "session_id", s.ID, "error", err)
	}
}

func (g *Gateway) withdraw(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := g.presence.Withdraw(ctx, sessionID); err != nil {
		g.logger.Warn("Failed to withdraw presence", "session_id", sessionID, "error", err)
	}
}

func (g *Gateway) touchLastSeen(userID string) {
	if g.lastSeen == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
		defer cancel()
		if err := g.lastSeen.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			g.logger.Warn("Failed to update last seen", "user_id", userID, "error", err)
		}
	}()
}

// probeTarget adapts a connection to the heartbeat monitor and refreshes presence
// after every answered probe.
type probeTarget struct {
	conn      *wsConn
	sessionID string
	presence  presence.Tracker
	logger    *slog.Logger
}

func (t *probeTarget) Probe(ctx context.Context) error {
	if err := t.conn.Probe(ctx); err != nil {
		return err
	}
	if err := t.presence.Refresh(ctx, t.sessionID); err != nil {
		t.logger.Debug("Failed to refresh presence", "error", err)
	}
	return nil
}

func (t *probeTarget) Terminate(reason string) {
	t.conn.Terminate(reason)
}
