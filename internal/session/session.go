// Package session implements the Session Registry: the state of every
// scanner session known to the server, its queued/active lifecycle, and
// its read progress.
//
// Registry is not internally synchronized; the orchestrator that composes
// this package with the cache and the vulnerability sources owns the one
// coordination lock covering all three.
package session

import (
	"encoding/json"
	"sort"
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	Queued State = iota
	Active
)

var stateNames = map[State]string{
	Queued: "queued",
	Active: "active",
}

var stateFromName = map[string]State{
	"queued": Queued,
	"active": Active,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "queued"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
		return nil
	}
	*s = Queued
	return nil
}

// Session is a snapshot of one scanner's session. Values returned by the
// registry are copies; mutating them has no effect on registry state.
type Session struct {
	ID            string    `json:"id"`
	Platform      string    `json:"platform"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
	LastHeardFrom time.Time `json:"lastHeardFrom"`
	VulnsRead     int       `json:"vulnsRead"`
}

// Registry tracks every known session, keyed by id, with bounded admission
// to the queued and active states.
type Registry struct {
	maxActive int
	maxQueued int
	clock     func() time.Time

	sessions map[string]*Session
	// order records insertion order. It is the basis for both the FIFO
	// tie-break in ActivateSessions and the iteration order of Active.
	order []string
}

// NewRegistry returns an empty registry bounded by maxActive and maxQueued.
func NewRegistry(maxActive, maxQueued int) *Registry {
	return &Registry{
		maxActive: maxActive,
		maxQueued: maxQueued,
		clock:     time.Now,
		sessions:  make(map[string]*Session),
	}
}

func (r *Registry) now() time.Time {
	return r.clock().UTC()
}

// Queue admits a new session in the Queued state. It fails (returning
// false, leaving the registry unmodified) if id is already present or the
// queue is full.
func (r *Registry) Queue(id, platform string) bool {
	if _, exists := r.sessions[id]; exists {
		return false
	}
	if r.queuedCount() >= r.maxQueued {
		return false
	}

	now := r.now()
	r.sessions[id] = &Session{
		ID:            id,
		Platform:      platform,
		State:         Queued,
		CreatedAt:     now,
		LastHeardFrom: now,
		VulnsRead:     0,
	}
	r.order = append(r.order, id)
	return true
}

// Lookup returns a copy of the session identified by id, or false if no
// such session exists.
func (r *Registry) Lookup(id string) (Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// NotifyActivity records client activity: it bumps LastHeardFrom to now and
// increments VulnsRead by readVulns (which must be >= 0). Returns false if
// the session does not exist.
func (r *Registry) NotifyActivity(id string, readVulns int) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.LastHeardFrom = r.now()
	if readVulns > 0 {
		s.VulnsRead += readVulns
	}
	return true
}

// ActivateSessions promotes queued sessions to active, strict FIFO by
// CreatedAt (ties broken by insertion order). The number promoted is
// min(maxActive-currentActive, max (or maxActive if nil), queuedCount),
// never negative. Returns the ids promoted, in promotion order.
func (r *Registry) ActivateSessions(max *int) []string {
	room := r.maxActive - r.activeCount()
	if room < 0 {
		room = 0
	}

	limit := r.maxActive
	if max != nil && *max < limit {
		limit = *max
	}
	if room < limit {
		limit = room
	}

	queuedIDs := make([]string, 0, r.queuedCount())
	for _, id := range r.order {
		if r.sessions[id].State == Queued {
			queuedIDs = append(queuedIDs, id)
		}
	}
	sort.SliceStable(queuedIDs, func(i, j int) bool {
		return r.sessions[queuedIDs[i]].CreatedAt.Before(r.sessions[queuedIDs[j]].CreatedAt)
	})

	if limit > len(queuedIDs) {
		limit = len(queuedIDs)
	}
	if limit < 0 {
		limit = 0
	}

	promoted := make([]string, 0, limit)
	for _, id := range queuedIDs[:limit] {
		r.sessions[id].State = Active
		promoted = append(promoted, id)
	}
	return promoted
}

// Active returns the ids of active sessions, in registry insertion order,
// optionally filtered by VulnsRead >= readAtLeast and/or Platform ==
// platform.
func (r *Registry) Active(readAtLeast *int, platform *string) []string {
	var ids []string
	for _, id := range r.order {
		s := r.sessions[id]
		if s.State != Active {
			continue
		}
		if readAtLeast != nil && s.VulnsRead < *readAtLeast {
			continue
		}
		if platform != nil && s.Platform != *platform {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// TimedOut returns ids (queued or active) whose LastHeardFrom is at least
// timeoutSeconds in the past.
func (r *Registry) TimedOut(timeoutSeconds int) []string {
	deadline := r.now().Add(-time.Duration(timeoutSeconds) * time.Second)

	var ids []string
	for _, id := range r.order {
		s := r.sessions[id]
		if !s.LastHeardFrom.After(deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Terminate removes a session from the registry. Returns false if absent.
func (r *Registry) Terminate(id string) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) activeCount() int {
	n := 0
	for _, s := range r.sessions {
		if s.State == Active {
			n++
		}
	}
	return n
}

func (r *Registry) queuedCount() int {
	n := 0
	for _, s := range r.sessions {
		if s.State == Queued {
			n++
		}
	}
	return n
}

// MaxActiveSessions returns the registry's active-session bound.
func (r *Registry) MaxActiveSessions() int { return r.maxActive }

// MaxQueuedSessions returns the registry's queued-session bound.
func (r *Registry) MaxQueuedSessions() int { return r.maxQueued }

// All returns a copy of every session currently in the registry, keyed by
// id. Used only for persistence snapshotting.
func (r *Registry) All() map[string]Session {
	out := make(map[string]Session, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = *s
	}
	return out
}

// Restore replaces the registry's contents with sessions, re-deriving
// insertion order from CreatedAt (the original insertion order is not part
// of the persisted shape). Used only when rehydrating from persistence.
func (r *Registry) Restore(sessions map[string]Session) {
	r.sessions = make(map[string]*Session, len(sessions))
	order := make([]string, 0, len(sessions))
	for id, sess := range sessions {
		s := sess
		r.sessions[id] = &s
		order = append(order, id)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return r.sessions[order[i]].CreatedAt.Before(r.sessions[order[j]].CreatedAt)
	})
	r.order = order
}
