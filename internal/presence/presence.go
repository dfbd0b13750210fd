// Package presence mirrors live session existence to Redis so that operators and
// sibling services can see who is connected. It never holds authoritative state.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Entry is the mirrored record for one session.
type Entry struct {
	SessionID   string      `json:"sessionId"`
	UserID      string      `json:"userId"`
	Tier        domain.Tier `json:"tier"`
	ConnectedAt time.Time   `json:"connectedAt"`
}

// Tracker records session presence.
type Tracker interface {
	Announce(ctx context.Context, e Entry) error
	Refresh(ctx context.Context, sessionID string) error
	Withdraw(ctx context.Context, sessionID string) error
	Close() error
}

// Noop is the tracker used when no Redis address is configured.
type Noop struct{}

func (Noop) Announce(context.Context, Entry) error  { return nil }
func (Noop) Refresh(context.Context, string) error  { return nil }
func (Noop) Withdraw(context.Context, string) error { return nil }
func (Noop) Close() error                           { return nil }

// Config configures a RedisTracker. Client wins over Addr when both are set.
type Config struct {
	Client    *redis.Client
	Addr      string
	KeyPrefix string
	TTL       time.Duration
}

// RedisTracker stores one expiring key per session.
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies it is reachable.
func NewRedis(ctx context.Context, cfg Config) (*RedisTracker, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("presence ttl must be positive")
	}
	client := cfg.Client
	if client == nil {
		if cfg.Addr == "" {
			return nil, errors.New("presence requires a redis client or address")
		}
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisTracker{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

func (t *RedisTracker) key(sessionID string) string {
	return t.prefix + sessionID
}

// Announce writes the session record with the configured TTL.
func (t *RedisTracker) Announce(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if err := t.client.Set(ctx, t.key(e.SessionID), data, t.ttl).Err(); err != nil {
		return fmt.Errorf("announce session %s: %w", e.SessionID, err)
	}
	return nil
}

// Refresh extends the session record's TTL. A missing key is not an error.
func (t *RedisTracker) Refresh(ctx context.Context, sessionID string) error {
	if err := t.client.Expire(ctx, t.key(sessionID), t.ttl).Err(); err != nil {
		return fmt.Errorf("refresh session %s: %w", sessionID, err)
	}
	return nil
}

// Withdraw deletes the session record.
func (t *RedisTracker) Withdraw(ctx context.Context, sessionID string) error {
	if err := t.client.Del(ctx, t.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("withdraw session %s: %w", sessionID, err)
	}
	return nil
}

// Lookup returns the mirrored record, or nil when absent.
func (t *RedisTracker) Lookup(ctx context.Context, sessionID string) (*Entry, error) {
	data, err := t.client.Get(ctx, t.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session %s: %w", sessionID, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	return &e, nil
}

// Close closes the Redis client.
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

var (
	_ Tracker = Noop{}
	_ Tracker = (*RedisTracker)(nil)
)
