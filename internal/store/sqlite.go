package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets history writes proceed while the directory is read.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'free',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		turn_seq INTEGER NOT NULL,
		message_id TEXT NOT NULL,
		content TEXT NOT NULL,
		reply TEXT NOT NULL,
		tools_used TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, turn_seq);
	CREATE INDEX IF NOT EXISTS idx_turns_ended ON turns(ended_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, tier, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var tier string
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &tier, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Tier = domain.Tier(tier)
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, tier, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		tier = excluded.tier,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, s.retry, "upsert user", func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, string(user.Tier),
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, "update last seen", func() error {
		result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
		if err != nil {
			return fmt.Errorf("update last_seen: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// AppendTurn inserts a finished turn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, rec domain.TurnRecord) error {
	toolsUsed := rec.ToolsUsed
	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	tools, err := json.Marshal(toolsUsed)
	if err != nil {
		return fmt.Errorf("encode tools used: %w", err)
	}

	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}

	query := `
	INSERT INTO turns (
		id, session_id, user_id, tier, turn_seq, message_id, content, reply,
		tools_used, outcome, error, started_at, ended_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, s.retry, "append turn", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.SessionID, rec.UserID, string(rec.Tier), int64(rec.TurnID), rec.MessageID,
			rec.Content, rec.Reply, string(tools), string(rec.Outcome), errText,
			rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		return nil
	})
}

// ListTurns returns a session's turns, oldest first.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]domain.TurnRecord, error) {
	query := `
		SELECT id, session_id, user_id, tier, turn_seq, message_id, content, reply,
		       tools_used, outcome, error, started_at, ended_at
		FROM turns WHERE session_id = ? ORDER BY turn_seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var out []domain.TurnRecord
	for rows.Next() {
		var rec domain.TurnRecord
		var tier, tools, outcome string
		var seq, startedAt, endedAt int64
		var errText sql.NullString

		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.UserID, &tier, &seq, &rec.MessageID,
			&rec.Content, &rec.Reply, &tools, &outcome, &errText, &startedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if err := json.Unmarshal([]byte(tools), &rec.ToolsUsed); err != nil {
			return nil, fmt.Errorf("decode tools used: %w", err)
		}

		rec.Tier = domain.Tier(tier)
		rec.TurnID = uint64(seq)
		rec.Outcome = domain.TurnOutcome(outcome)
		rec.Error = errText.String
		rec.StartedAt = time.UnixMilli(startedAt)
		rec.EndedAt = time.UnixMilli(endedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

// PruneTurns deletes turns that ended before cutoff.
func (s *SQLiteStore) PruneTurns(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, s.retry, "prune turns", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE ended_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("prune turns: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
