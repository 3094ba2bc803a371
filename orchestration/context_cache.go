package orchestration

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/telemetry"
)

// Cache tier TTLs and caps.
const (
	responseTTL = time.Hour
	sessionTTL  = 30 * time.Minute
	historyTTL  = 24 * time.Hour

	maxSessionEntries = 20
	maxHistoryEntries = 100

	maxRelevantEntries = 5
)

// stopWords are excluded from relevance token matching.
var stopWords = map[string]bool{
	"get": true, "find": true, "show": true, "list": true,
	"create": true, "update": true, "delete": true,
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"with": true, "for": true, "of": true, "in": true, "on": true,
	"at": true, "to": true, "from": true,
}

// ContextEntry is one remembered exchange: a user query and the data the
// pipeline produced for it.
type ContextEntry struct {
	Query     string      `json:"query"`
	Response  interface{} `json:"response"`
	ProjectID int         `json:"projectId"`
	Timestamp time.Time   `json:"timestamp"`
}

// ScoredEntry is a context entry with its relevance to a follow-up query.
type ScoredEntry struct {
	ContextEntry
	Relevance int
}

type cacheItem struct {
	value      interface{}
	expiration time.Time
}

// ContextCache holds short-term conversation state in three tiers: raw
// responses (1h), per-session entry lists (30m, newest 20) and per-user
// history (24h, newest 100). Everything lives in process memory and is
// swept by a background janitor.
type ContextCache struct {
	mu        sync.RWMutex
	responses map[string]cacheItem
	sessions  map[string]cacheItem // value is []ContextEntry
	history   map[string]cacheItem // value is []ContextEntry

	logger core.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewContextCache creates a context cache and starts its cleanup goroutine.
func NewContextCache() *ContextCache {
	c := &ContextCache{
		responses: make(map[string]cacheItem),
		sessions:  make(map[string]cacheItem),
		history:   make(map[string]cacheItem),
		stop:      make(chan struct{}),
	}
	go c.cleanupRoutine()
	return c
}

// SetLogger sets the logger provider.
func (c *ContextCache) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
	} else {
		c.logger = logger
	}
}

// StoreResponse caches a raw response under an opaque key for one hour.
func (c *ContextCache) StoreResponse(key string, response interface{}) {
	c.mu.Lock()
	c.responses[key] = cacheItem{value: response, expiration: time.Now().Add(responseTTL)}
	c.mu.Unlock()
}

// GetResponse returns a cached response, or ok=false when absent or expired.
func (c *ContextCache) GetResponse(key string) (interface{}, bool) {
	c.mu.RLock()
	item, ok := c.responses[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(item.expiration) {
		telemetry.Counter("context_cache.misses", "tier", "response")
		return nil, false
	}
	telemetry.Counter("context_cache.hits", "tier", "response")
	return item.value, true
}

// AppendSessionEntry records an exchange on a session, keeping the newest
// entries up to the session cap and refreshing the session TTL.
func (c *ContextCache) AppendSessionEntry(sessionID string, entry ContextEntry) {
	c.appendEntry(c.sessions, sessionID, entry, maxSessionEntries, sessionTTL)
}

// SessionEntries returns the session's entries, newest first.
func (c *ContextCache) SessionEntries(sessionID string) []ContextEntry {
	return c.entries(c.sessions, sessionID)
}

// AppendHistoryEntry records an exchange on a user's history, keeping the
// newest entries up to the history cap and refreshing the history TTL.
func (c *ContextCache) AppendHistoryEntry(userID string, entry ContextEntry) {
	c.appendEntry(c.history, userID, entry, maxHistoryEntries, historyTTL)
}

// HistoryEntries returns the user's history entries, newest first.
func (c *ContextCache) HistoryEntries(userID string) []ContextEntry {
	return c.entries(c.history, userID)
}

func (c *ContextCache) appendEntry(tier map[string]cacheItem, key string, entry ContextEntry, limit int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []ContextEntry
	if item, ok := tier[key]; ok && !time.Now().After(item.expiration) {
		entries, _ = item.value.([]ContextEntry)
	}
	entries = append([]ContextEntry{entry}, entries...)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	tier[key] = cacheItem{value: entries, expiration: time.Now().Add(ttl)}
}

func (c *ContextCache) entries(tier map[string]cacheItem, key string) []ContextEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := tier[key]
	if !ok || time.Now().After(item.expiration) {
		return nil
	}
	entries, _ := item.value.([]ContextEntry)
	out := make([]ContextEntry, len(entries))
	copy(out, entries)
	return out
}

// FindRelevantContext returns up to five session entries relevant to the
// query, scored by token overlap (exact match 2 points, substring match 1),
// ordered by relevance then recency. Entries from other projects never
// match, and zero-score entries are excluded.
func (c *ContextCache) FindRelevantContext(sessionID, query string, projectID int) []ScoredEntry {
	queryTokens := contentTokens(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var scored []ScoredEntry
	for _, entry := range c.SessionEntries(sessionID) {
		if entry.ProjectID != projectID {
			continue
		}
		relevance := 0
		entryTokens := contentTokens(entry.Query)
		for _, qt := range queryTokens {
			bestForToken := 0
			for _, et := range entryTokens {
				if qt == et {
					bestForToken = 2
					break
				}
				if strings.Contains(et, qt) || strings.Contains(qt, et) {
					bestForToken = 1
				}
			}
			relevance += bestForToken
		}
		if relevance > 0 {
			scored = append(scored, ScoredEntry{ContextEntry: entry, Relevance: relevance})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Relevance != scored[j].Relevance {
			return scored[i].Relevance > scored[j].Relevance
		}
		return scored[i].Timestamp.After(scored[j].Timestamp)
	})

	if len(scored) > maxRelevantEntries {
		scored = scored[:maxRelevantEntries]
	}
	return scored
}

// contentTokens lower-cases, splits on whitespace and drops stop words.
func contentTokens(s string) []string {
	var tokens []string
	for _, t := range strings.Fields(strings.ToLower(s)) {
		t = strings.Trim(t, ".,!?;:\"'()")
		if t == "" || stopWords[t] {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// Close stops the cleanup goroutine.
func (c *ContextCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *ContextCache) cleanupRoutine() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *ContextCache) sweep() {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	for _, tier := range []map[string]cacheItem{c.responses, c.sessions, c.history} {
		for key, item := range tier {
			if now.After(item.expiration) {
				delete(tier, key)
				removed++
			}
		}
	}
	c.mu.Unlock()

	if removed > 0 && c.logger != nil {
		c.logger.Debug("Context cache sweep", map[string]interface{}{
			"operation": "cache_sweep",
			"removed":   removed,
		})
	}
}
