// Package orchestrator implements Server State: the single coordination
// point composing the Session Registry, the Bucketed Cache, and the
// per-platform Vulnerability Sources behind one lock.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"

	"github.com/mozilla-services/patches-server/internal/cache"
	"github.com/mozilla-services/patches-server/internal/persistence"
	"github.com/mozilla-services/patches-server/internal/session"
	"github.com/mozilla-services/patches-server/internal/source"
	"github.com/mozilla-services/patches-server/internal/vuln"
)

const (
	defaultMaxActiveSessions     = 128
	defaultMaxQueuedSessions     = 1024
	defaultSessionTimeoutSeconds = 30
	defaultMaxVulnsToServe       = 128
)

// Config configures a fresh State. Sources is required; every other field
// falls back to its documented default when nil. Pointer fields distinguish
// "unset" from "explicitly zero" the way a dynamic config map would.
type Config struct {
	Sources *source.Configs

	MaxActiveSessions     *int
	MaxQueuedSessions     *int
	SessionTimeoutSeconds *int
	MaxVulnsToServe       *int
}

// State is the Server State orchestrator. All mutation of the registry,
// cache, and active sources happens under mu; the registry and cache are
// not safe for concurrent use on their own.
type State struct {
	mu sync.Mutex

	sessions      *session.Registry
	cache         *cache.Cache
	sourceConfigs source.Configs
	activeSources map[string]source.Producer

	sessionTimeoutSeconds int
	maxVulnsToServe       int
}

// New returns a State configured per cfg. Returns an error if cfg.Sources
// is nil: a server with no configured sources can never produce vulnerability
// data, so this is a hard, surfaced configuration error rather than a silent
// default.
func New(cfg Config) (*State, error) {
	if cfg.Sources == nil {
		return nil, errors.New("orchestrator: configure: \"sources\" is required")
	}

	maxActive := defaultMaxActiveSessions
	if cfg.MaxActiveSessions != nil {
		maxActive = *cfg.MaxActiveSessions
	}
	maxQueued := defaultMaxQueuedSessions
	if cfg.MaxQueuedSessions != nil {
		maxQueued = *cfg.MaxQueuedSessions
	}
	sessionTimeout := defaultSessionTimeoutSeconds
	if cfg.SessionTimeoutSeconds != nil {
		sessionTimeout = *cfg.SessionTimeoutSeconds
	}
	maxVulns := defaultMaxVulnsToServe
	if cfg.MaxVulnsToServe != nil {
		maxVulns = *cfg.MaxVulnsToServe
	}

	return &State{
		sessions:              session.NewRegistry(maxActive, maxQueued),
		cache:                 cache.New(),
		sourceConfigs:         *cfg.Sources,
		activeSources:         make(map[string]source.Producer),
		sessionTimeoutSeconds: sessionTimeout,
		maxVulnsToServe:       maxVulns,
	}, nil
}

// Configure re-initializes s in place from cfg and returns s, so callers
// can chain construction.
func (s *State) Configure(cfg Config) (*State, error) {
	fresh, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = fresh.sessions
	s.cache = fresh.cache
	s.sourceConfigs = fresh.sourceConfigs
	s.activeSources = fresh.activeSources
	s.sessionTimeoutSeconds = fresh.sessionTimeoutSeconds
	s.maxVulnsToServe = fresh.maxVulnsToServe
	return s, nil
}

// QueueSession admits a new session scanning platform, returning its id.
// The second return value is false if platform is unsupported or the
// registry refuses admission (queue full, id collision).
func (s *State) QueueSession(platform string) (string, bool) {
	if !source.IsSupported(platform) {
		return "", false
	}

	id, err := generateSessionID()
	if err != nil {
		log.Printf("orchestrator: queue_session: generating id: %v", err)
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sessions.Queue(id, platform) {
		return "", false
	}
	log.Printf("orchestrator: session %s queued for %s", id, platform)
	return id, true
}

// RetrieveVulns returns the next batch of vulnerabilities visible to
// sessionID, or (nil, false) if the session is unknown or not active.
// An active session with no bucket yet for its platform gets a touch
// (LastHeardFrom bumped, VulnsRead unchanged) and (nil, false) back; an
// empty, non-nil slice means "caught up with the feed so far".
func (s *State) RetrieveVulns(sessionID string) ([]vuln.Vulnerability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions.Lookup(sessionID)
	if !ok || sess.State != session.Active {
		return nil, false
	}

	limit := s.maxVulnsToServe
	vulns := s.cache.Retrieve(sess.Platform, sess.VulnsRead, &limit)
	if vulns == nil {
		s.sessions.NotifyActivity(sessionID, 0)
		return nil, false
	}

	s.sessions.NotifyActivity(sessionID, len(vulns))
	return vulns, true
}

// Update runs the coordination tick: expire timed-out sessions, bootstrap
// fresh activity when idle, then advance every active platform's bucket.
// Every request calls Update before QueueSession/RetrieveVulns.
func (s *State) Update(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireTimedOut()
	s.bootstrapIfIdle(ctx)
	s.advance(ctx)
}

func (s *State) expireTimedOut() {
	for _, id := range s.sessions.TimedOut(s.sessionTimeoutSeconds) {
		s.sessions.Terminate(id)
		log.Printf("orchestrator: session %s timed out", id)
	}
}

// bootstrapIfIdle promotes queued sessions and seeds a fresh bucket for
// each newly active platform, but only when no session is currently
// active: letting new cohorts in mid-stream would hand them a half-drained
// bucket with no way to tell how much of the full set they missed.
func (s *State) bootstrapIfIdle(ctx context.Context) {
	if len(s.sessions.Active(nil, nil)) > 0 {
		return
	}

	promoted := s.sessions.ActivateSessions(nil)
	if len(promoted) == 0 {
		return
	}

	for _, platform := range distinctPlatforms(s, promoted) {
		s.cache.RemoveBucket(platform)
		s.startSource(platform)
		s.cache.Cache(platform, s.pull(ctx, platform))
		log.Printf("orchestrator: bootstrapped bucket for %s", platform)
	}
}

// advance batches every active platform forward once every reader on that
// platform has consumed the bucket's full set so far.
func (s *State) advance(ctx context.Context) {
	for _, platform := range distinctActivePlatforms(s) {
		size := s.cache.Size(platform)
		if size == 0 {
			continue
		}

		complete := s.sessions.Active(&size, &platform)
		actives := s.sessions.Active(nil, &platform)
		if len(complete) == 0 || len(complete) != len(actives) {
			continue
		}

		more := s.pull(ctx, platform)
		if len(more) > 0 {
			s.cache.Cache(platform, more)
			continue
		}

		s.cache.RemoveBucket(platform)
		for _, id := range complete {
			s.sessions.Terminate(id)
		}
		log.Printf("orchestrator: source for %s exhausted, %d session(s) terminated", platform, len(complete))
	}
}

// startSource installs a fresh Producer for platform, or clears any stale
// one if the platform has no registered source — treated the same as an
// immediately-exhausted source.
func (s *State) startSource(platform string) {
	producer, ok := source.New(platform, s.sourceConfigs)
	if !ok {
		delete(s.activeSources, platform)
		return
	}
	s.activeSources[platform] = producer
}

// pull draws up to maxVulnsToServe records from platform's active source.
// A platform with no live source (never started, or already exhausted)
// yields nothing.
func (s *State) pull(ctx context.Context, platform string) []vuln.Vulnerability {
	producer, ok := s.activeSources[platform]
	if !ok {
		return nil
	}

	vulns := make([]vuln.Vulnerability, 0, s.maxVulnsToServe)
	for len(vulns) < s.maxVulnsToServe {
		v, ok := producer.Next(ctx)
		if !ok {
			break
		}
		vulns = append(vulns, v)
	}
	return vulns
}

func distinctPlatforms(s *State, ids []string) []string {
	seen := make(map[string]bool)
	var platforms []string
	for _, id := range ids {
		sess, ok := s.sessions.Lookup(id)
		if !ok || seen[sess.Platform] {
			continue
		}
		seen[sess.Platform] = true
		platforms = append(platforms, sess.Platform)
	}
	return platforms
}

func distinctActivePlatforms(s *State) []string {
	return distinctPlatforms(s, s.sessions.Active(nil, nil))
}

func generateSessionID() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Snapshot captures registry bounds, every session, and every cache bucket
// for persistence. Safe to call concurrently with other State methods.
func (s *State) Snapshot() persistence.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.sessions.All()
	records := make(map[string]persistence.SessionRecord, len(sessions))
	for id, sess := range sessions {
		records[id] = persistence.SessionRecord{
			Platform:      sess.Platform,
			State:         sess.State.String(),
			CreatedAt:     sess.CreatedAt,
			LastHeardFrom: sess.LastHeardFrom,
			VulnsRead:     sess.VulnsRead,
		}
	}

	items, totals := s.cache.All()

	return persistence.Snapshot{
		MaxActiveSessions: s.sessions.MaxActiveSessions(),
		MaxQueuedSessions: s.sessions.MaxQueuedSessions(),
		Sessions:          records,
		CacheItems:        items,
		CacheTotalCounts:  totals,
	}
}

// Restore replaces s's registry and cache with the contents of snap.
// Sessions and buckets missing from snap (or dropped by Rebuild as
// malformed) simply do not come back. Active sources are left empty: the
// advance step treats a platform with no live source as exhausted, and a
// fresh source is started only when the bootstrap step next runs (when no
// session is active).
func (s *State) Restore(snap persistence.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxActive := snap.MaxActiveSessions
	if maxActive == 0 {
		maxActive = defaultMaxActiveSessions
	}
	maxQueued := snap.MaxQueuedSessions
	if maxQueued == 0 {
		maxQueued = defaultMaxQueuedSessions
	}

	registry := session.NewRegistry(maxActive, maxQueued)
	sessions := make(map[string]session.Session, len(snap.Sessions))
	for id, rec := range snap.Sessions {
		state := session.Queued
		if rec.State == "active" {
			state = session.Active
		}
		sessions[id] = session.Session{
			ID:            id,
			Platform:      rec.Platform,
			State:         state,
			CreatedAt:     rec.CreatedAt,
			LastHeardFrom: rec.LastHeardFrom,
			VulnsRead:     rec.VulnsRead,
		}
	}
	registry.Restore(sessions)
	s.sessions = registry

	s.cache = cache.New()
	s.cache.Restore(snap.CacheItems, snap.CacheTotalCounts)
	s.activeSources = make(map[string]source.Producer)
}
