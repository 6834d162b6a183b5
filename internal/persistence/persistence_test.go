package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mozilla-services/patches-server/internal/vuln"
)

// fakeClient is an in-memory stand-in for the narrow client interface Store
// depends on, so these tests exercise Persist/Rebuild without a real Redis
// server.
type fakeClient struct {
	strings map[string]string
	hashes  map[string]map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
	}
}

func (f *fakeClient) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.strings[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeClient) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.strings[key] = toString(value)
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	n := int64(0)
	for _, k := range keys {
		if _, ok := f.hashes[k]; ok {
			delete(f.hashes, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeClient) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		field := toString(values[i])
		h[field] = toString(values[i+1])
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeClient) HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd {
	cmd := redis.NewStringStringMapCmd(ctx)
	cmd.SetVal(f.hashes[key])
	return cmd
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func newTestStore() (*Store, *fakeClient) {
	fc := newFakeClient()
	return &Store{client: fc}, fc
}

func TestPersistThenRebuildRoundTrips(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := Snapshot{
		MaxActiveSessions: 128,
		MaxQueuedSessions: 1024,
		Sessions: map[string]SessionRecord{
			"abc": {
				Platform:      "ubuntu:18.04",
				State:         "active",
				CreatedAt:     created,
				LastHeardFrom: created,
				VulnsRead:     12,
			},
		},
		CacheItems: map[string][]vuln.Vulnerability{
			"ubuntu:18.04": {
				{ID: "CVE-1", Platform: "ubuntu:18.04", Severity: vuln.High},
			},
		},
		CacheTotalCounts: map[string]int{
			"ubuntu:18.04": 50,
		},
	}

	if err := store.Persist(ctx, snap); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	got, err := store.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}

	if got.MaxActiveSessions != 128 || got.MaxQueuedSessions != 1024 {
		t.Errorf("bounds not round-tripped: %+v", got)
	}
	rec, ok := got.Sessions["abc"]
	if !ok {
		t.Fatal("session abc missing after rebuild")
	}
	if rec.Platform != "ubuntu:18.04" || rec.State != "active" || rec.VulnsRead != 12 {
		t.Errorf("session record not round-tripped: %+v", rec)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("createdAt not round-tripped: got %v want %v", rec.CreatedAt, created)
	}

	items, ok := got.CacheItems["ubuntu:18.04"]
	if !ok || len(items) != 1 || items[0].ID != "CVE-1" {
		t.Errorf("cache items not round-tripped: %+v", got.CacheItems)
	}
	if got.CacheTotalCounts["ubuntu:18.04"] != 50 {
		t.Errorf("total count not round-tripped: %+v", got.CacheTotalCounts)
	}
}

func TestRebuildEmptyStoreReturnsZeroValueSnapshot(t *testing.T) {
	store, _ := newTestStore()
	got, err := store.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}
	if len(got.Sessions) != 0 || len(got.CacheItems) != 0 || len(got.CacheTotalCounts) != 0 {
		t.Errorf("expected empty snapshot, got %+v", got)
	}
}

func TestRebuildSkipsMalformedSessionRecord(t *testing.T) {
	store, fc := newTestStore()
	fc.hashes[keySessions] = map[string]string{
		"good": `{"platform":"alpine:3.4","state":"queued","createdAt":"2026-01-01T00:00:00Z","lastHeardFrom":"2026-01-01T00:00:00Z","vulnerabilitiesRead":0}`,
		"bad":  `not-json`,
	}

	got, err := store.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}
	if _, ok := got.Sessions["bad"]; ok {
		t.Error("malformed session record should have been skipped")
	}
	if _, ok := got.Sessions["good"]; !ok {
		t.Error("well-formed session record should have survived rebuild")
	}
}
