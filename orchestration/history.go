package orchestration

import (
	"context"
)

// HistoryStore persists per-user conversation history beyond process
// lifetime. The in-process ContextCache remains the source for relevance
// scoring; this store backs the durable 24h window.
type HistoryStore interface {
	// Append records an exchange for a user, trimming to the retention cap.
	Append(ctx context.Context, userID string, entry ContextEntry) error

	// Recent returns up to limit entries for a user, newest first.
	Recent(ctx context.Context, userID string, limit int) ([]ContextEntry, error)
}

// NoOpHistoryStore drops all writes. Used when no Redis is configured.
type NoOpHistoryStore struct{}

func (NoOpHistoryStore) Append(ctx context.Context, userID string, entry ContextEntry) error {
	return nil
}

func (NoOpHistoryStore) Recent(ctx context.Context, userID string, limit int) ([]ContextEntry, error) {
	return nil, nil
}
