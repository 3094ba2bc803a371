package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/apiweaver/apiweaver/core"
)

// RedisHistoryStore keeps each user's recent exchanges in a Redis list,
// newest first, trimmed to the retention cap with a 24h expiry refreshed
// on every write.
type RedisHistoryStore struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisHistoryStore connects to Redis using a redis:// URL.
func NewRedisHistoryStore(redisURL string) (*RedisHistoryStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisHistoryStore{client: client}, nil
}

// SetLogger sets the logger provider.
func (s *RedisHistoryStore) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
	} else {
		s.logger = logger
	}
}

func historyKey(userID string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return "apiweaver:history:" + userID
}

// Append pushes an exchange onto the user's history list.
func (s *RedisHistoryStore) Append(ctx context.Context, userID string, entry ContextEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	key := historyKey(userID)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, maxHistoryEntries-1)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. Entries that fail to
// decode are skipped.
func (s *RedisHistoryStore) Recent(ctx context.Context, userID string, limit int) ([]ContextEntry, error) {
	if limit <= 0 || limit > maxHistoryEntries {
		limit = maxHistoryEntries
	}

	raw, err := s.client.LRange(ctx, historyKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	entries := make([]ContextEntry, 0, len(raw))
	for _, item := range raw {
		var entry ContextEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			if s.logger != nil {
				s.logger.Warn("Dropping undecodable history entry", map[string]interface{}{
					"operation": "history_read",
					"error":     err.Error(),
				})
			}
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the Redis connection.
func (s *RedisHistoryStore) Close() error {
	return s.client.Close()
}
