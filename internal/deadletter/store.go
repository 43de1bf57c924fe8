// Package deadletter keeps a bounded record of messages the dispatcher
// dropped.  Deliveries are auto-acked, so this list is the only trace of a
// lost access log or guest notification.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Drop reasons.
const (
	ReasonParse        = "parse_error"
	ReasonUnknownKey   = "unknown_routing_key"
	ReasonNotFound     = "not_found"
	ReasonIncomplete   = "incomplete_record"
	ReasonCollaborator = "collaborator_unavailable"
	ReasonPanic        = "handler_panic"
)

// Entry describes one dropped message.
type Entry struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	RoutingKey string    `json:"routing_key"`
	MessageID  string    `json:"message_id,omitempty"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error"`
	Body       string    `json:"body"`
	DroppedAt  time.Time `json:"dropped_at"`
}

// Store records and lists dropped messages, newest first.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, n int) ([]Entry, error)
}

// NewStore returns a Redis backed store, or Noop when rdb is nil so the
// consumer keeps running without Redis.
func NewStore(rdb *redis.Client, key string, max int) Store {
	if rdb == nil {
		logrus.Warn("deadletter: redis unavailable, dropped messages will only be logged")
		return Noop{}
	}
	return NewRedisStore(rdb, key, max)
}

// RedisStore keeps entries in a capped Redis list.
type RedisStore struct {
	rdb *redis.Client
	key string
	max int64
}

func NewRedisStore(rdb *redis.Client, key string, max int) *RedisStore {
	if key == "" {
		key = "parkbus:dropped"
	}
	if max < 1 {
		max = 1000
	}
	return &RedisStore{rdb: rdb, key: key, max: int64(max)}
}

// Record prepends e and trims the list to its cap in one transaction.
func (s *RedisStore) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.DroppedAt.IsZero() {
		e.DroppedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key, data)
		p.LTrim(ctx, s.key, 0, s.max-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record dropped message: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.  Entries that no longer
// decode are skipped.
func (s *RedisStore) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	raw, err := s.rdb.LRange(ctx, s.key, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dropped messages: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			logrus.WithError(err).Warn("deadletter: skipping undecodable entry")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Noop discards entries.
type Noop struct{}

func (Noop) Record(context.Context, Entry) error { return nil }

func (Noop) Recent(context.Context, int) ([]Entry, error) { return []Entry{}, nil }
