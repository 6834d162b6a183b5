// Package persistence implements the Persistence Adapter: a snapshot/
// rehydrate boundary over a remote key/value service, so the orchestrator's
// in-memory state survives a restart.
//
// Store keeps one JSON-encoded blob per hash field, keyed by session or
// platform; go-redis/v9's UniversalClient backs it against a real Redis
// instance.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mozilla-services/patches-server/internal/vuln"
)

// Key names under which Store keeps its state. All live in one Redis
// keyspace; callers are expected to point Store at a dedicated database or
// prefix if they share a Redis instance with unrelated data.
const (
	keyMaxActiveSessions = "patches:max_active_sessions"
	keyMaxQueuedSessions = "patches:max_queued_sessions"
	keySessions          = "patches:sessions"
	keyCacheItems        = "patches:cache_items"
	keyCacheTotalCounts  = "patches:cache_total_counts"
)

// SessionRecord is the persisted shape of one session: platform, state,
// timestamps, and vulnerabilities read.
type SessionRecord struct {
	Platform      string    `json:"platform"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
	LastHeardFrom time.Time `json:"lastHeardFrom"`
	VulnsRead     int       `json:"vulnerabilitiesRead"`
}

// Snapshot is a point-in-time copy of everything the orchestrator needs to
// rehydrate: registry bounds, every session, and every cache bucket.
type Snapshot struct {
	MaxActiveSessions int
	MaxQueuedSessions int
	Sessions          map[string]SessionRecord
	CacheItems        map[string][]vuln.Vulnerability
	CacheTotalCounts  map[string]int
}

// client is the slice of redis.UniversalClient that Store actually calls.
// Keeping it narrow (rather than depending on the full UniversalClient
// interface) is what lets a test fake stand in without pulling in a real
// Redis server.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
}

// Store is the Persistence Adapter, backed by a Redis-compatible client.
type Store struct {
	client client
}

// NewStore wraps an already-configured Redis client.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Persist writes snap to Redis, overwriting whatever was previously stored
// under Store's keys. Returns an error rather than panicking on any
// marshaling or transport failure.
func (s *Store) Persist(ctx context.Context, snap Snapshot) error {
	if err := s.client.Set(ctx, keyMaxActiveSessions, strconv.Itoa(snap.MaxActiveSessions), 0).Err(); err != nil {
		return fmt.Errorf("persistence: persist: %w", err)
	}
	if err := s.client.Set(ctx, keyMaxQueuedSessions, strconv.Itoa(snap.MaxQueuedSessions), 0).Err(); err != nil {
		return fmt.Errorf("persistence: persist: %w", err)
	}

	if err := s.client.Del(ctx, keySessions, keyCacheItems, keyCacheTotalCounts).Err(); err != nil {
		return fmt.Errorf("persistence: persist: %w", err)
	}

	sessions := make(map[string]any, len(snap.Sessions))
	for id, rec := range snap.Sessions {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("persistence: marshal session %s: %w", id, err)
		}
		sessions[id] = raw
	}
	if len(sessions) > 0 {
		if err := s.client.HSet(ctx, keySessions, toHSetArgs(sessions)...).Err(); err != nil {
			return fmt.Errorf("persistence: persist: %w", err)
		}
	}

	items := make(map[string]any, len(snap.CacheItems))
	for platform, vulns := range snap.CacheItems {
		raw, err := json.Marshal(vulns)
		if err != nil {
			return fmt.Errorf("persistence: marshal cache bucket %s: %w", platform, err)
		}
		items[platform] = raw
	}
	if len(items) > 0 {
		if err := s.client.HSet(ctx, keyCacheItems, toHSetArgs(items)...).Err(); err != nil {
			return fmt.Errorf("persistence: persist: %w", err)
		}
	}

	counts := make(map[string]any, len(snap.CacheTotalCounts))
	for platform, total := range snap.CacheTotalCounts {
		counts[platform] = strconv.Itoa(total)
	}
	if len(counts) > 0 {
		if err := s.client.HSet(ctx, keyCacheTotalCounts, toHSetArgs(counts)...).Err(); err != nil {
			return fmt.Errorf("persistence: persist: %w", err)
		}
	}

	return nil
}

// toHSetArgs flattens a field->value map into HSet's variadic field, value,
// field, value... argument form.
func toHSetArgs(fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field, value)
	}
	return args
}

// Rebuild reads back whatever Persist last wrote. Malformed or missing
// entries are skipped silently — a corrupt session record or cache bucket
// is dropped rather than failing the whole rehydrate.
func (s *Store) Rebuild(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Sessions:         make(map[string]SessionRecord),
		CacheItems:       make(map[string][]vuln.Vulnerability),
		CacheTotalCounts: make(map[string]int),
	}

	maxActive, err := s.client.Get(ctx, keyMaxActiveSessions).Result()
	if err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("persistence: rebuild: %w", err)
	}
	snap.MaxActiveSessions, _ = strconv.Atoi(maxActive)

	maxQueued, err := s.client.Get(ctx, keyMaxQueuedSessions).Result()
	if err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("persistence: rebuild: %w", err)
	}
	snap.MaxQueuedSessions, _ = strconv.Atoi(maxQueued)

	sessionFields, err := s.client.HGetAll(ctx, keySessions).Result()
	if err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("persistence: rebuild: %w", err)
	}
	for id, raw := range sessionFields {
		var rec SessionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		snap.Sessions[id] = rec
	}

	itemFields, err := s.client.HGetAll(ctx, keyCacheItems).Result()
	if err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("persistence: rebuild: %w", err)
	}
	for platform, raw := range itemFields {
		var vulns []vuln.Vulnerability
		if err := json.Unmarshal([]byte(raw), &vulns); err != nil {
			continue
		}
		snap.CacheItems[platform] = vulns
	}

	countFields, err := s.client.HGetAll(ctx, keyCacheTotalCounts).Result()
	if err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("persistence: rebuild: %w", err)
	}
	for platform, raw := range countFields {
		total, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		snap.CacheTotalCounts[platform] = total
	}

	return snap, nil
}
