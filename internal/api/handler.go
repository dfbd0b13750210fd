// Package api provides the gateway's HTTP side channel.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/ratelimit"
	"github.com/ashureev/agentgate/internal/session"
	"github.com/ashureev/agentgate/internal/tools"
	"github.com/go-chi/chi/v5"
)

const defaultHealthCheckTimeout = 5 * time.Second

// Store is the persistence the side channel reads from.
type Store interface {
	Ping(ctx context.Context) error
	ListTurns(ctx context.Context, sessionID string) ([]domain.TurnRecord, error)
}

// Handler serves health, session status and tool catalog endpoints.
type Handler struct {
	registry *session.Registry
	limiter  *ratelimit.Limiter
	catalog  *tools.Catalog
	store    Store
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHandler creates a handler. store may be nil, in which case health skips the
// database check and history is unavailable.
func NewHandler(registry *session.Registry, limiter *ratelimit.Limiter, catalog *tools.Catalog, store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		limiter:  limiter,
		catalog:  catalog,
		store:    store,
		timeout:  defaultHealthCheckTimeout,
		logger:   logger.With("component", "api"),
	}
}

// RegisterRoutes mounts the side channel endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/tools", h.Tools)
	r.Get("/status/{sessionId}", h.Status)
	r.Get("/status/{sessionId}/history", h.History)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string            `json:"status"`
	Connections int               `json:"connections"`
	Sessions    int               `json:"sessions"`
	Checks      map[string]string `json:"checks"`
}

// Health reports liveness plus connection and session counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Connections: h.limiter.TotalConnections(),
		Sessions:    h.registry.Len(),
		Checks:      map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			resp.Status = "degraded"
			resp.Checks["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			resp.Checks["database"] = "ok"
		}
	}

	JSON(w, statusCode, resp)
}

// Tools lists the enabled tools and their limits.
func (h *Handler) Tools(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"tools": h.catalog.List()})
}

// StatusResponse is the body of GET /status/{sessionId}.
type StatusResponse struct {
	SessionID    string             `json:"sessionId"`
	UserID       string             `json:"userId"`
	Tier         domain.Tier        `json:"tier"`
	State        domain.AgentState  `json:"state"`
	Status       domain.AgentStatus `json:"status"`
	ConnectedAt  time.Time          `json:"connectedAt"`
	LastActivity time.Time          `json:"lastActivity"`
	Usage        ratelimit.Usage    `json:"usage"`
}

// Status returns the agent status of a live session.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(chi.URLParam(r, "sessionId"))
	if !ok {
		Error(w, http.StatusNotFound, domain.ErrSessionNotFound.Error())
		return
	}
	JSON(w, http.StatusOK, StatusResponse{
		SessionID:    s.ID,
		UserID:       s.UserID,
		Tier:         s.Tier,
		State:        s.State(),
		Status:       s.Status(),
		ConnectedAt:  s.CreatedAt,
		LastActivity: s.LastActivity(),
		Usage:        h.limiter.Snapshot(s.UserID),
	})
}

type turnView struct {
	ID        string             `json:"id"`
	TurnID    uint64             `json:"turnId"`
	MessageID string             `json:"messageId"`
	Content   string             `json:"content"`
	Reply     string             `json:"reply"`
	ToolsUsed []string           `json:"toolsUsed"`
	Outcome   domain.TurnOutcome `json:"outcome"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"startedAt"`
	EndedAt   time.Time          `json:"endedAt"`
}

// History returns the persisted turns of a session, live or closed.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		Error(w, http.StatusNotImplemented, "history is not enabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	records, err := h.store.ListTurns(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to list turns", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if len(records) == 0 {
		if _, live := h.registry.Get(sessionID); !live {
			Error(w, http.StatusNotFound, domain.ErrSessionNotFound.Error())
			return
		}
	}

	turns := make([]turnView, 0, len(records))
	for _, rec := range records {
		turns = append(turns, turnView{
			ID:        rec.ID,
			TurnID:    rec.TurnID,
			MessageID: rec.MessageID,
			Content:   rec.Content,
			Reply:     rec.Reply,
			ToolsUsed: rec.ToolsUsed,
			Outcome:   rec.Outcome,
			Error:     rec.Error,
			StartedAt: rec.StartedAt,
			EndedAt:   rec.EndedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "turns": turns})
}
