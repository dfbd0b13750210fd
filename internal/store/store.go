// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
)

// Repository persists the user directory and the append-only turn history.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// AppendTurn records a finished turn. Records are never updated.
	AppendTurn(ctx context.Context, rec domain.TurnRecord) error

	// ListTurns returns a session's turns, oldest first.
	ListTurns(ctx context.Context, sessionID string) ([]domain.TurnRecord, error)

	// PruneTurns deletes turns that ended before cutoff.
	PruneTurns(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
