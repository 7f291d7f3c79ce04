// Package session tracks per-conversation state for the gateway: tool
// invocation counters used for rate limiting and confirmations that have
// been granted but not yet consumed.
package session

import (
	"slices"
	"sync"
	"time"
)

// Grant is an approved confirmation waiting to be consumed by dispatch.
type Grant struct {
	RequestID string
	Tool      string
	Command   string
	GrantedAt time.Time
}

// Session is one continuous interaction scope. Fields behind mu must only
// be touched while holding the session lock (Lock/Unlock); the gateway
// holds it across policy evaluation and counter updates so concurrent
// calls in the same session cannot both slip under a cap.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu          sync.Mutex
	lastActive  time.Time
	invocations map[string]*usage
	grants      map[string]Grant
}

// usage is one tool's call history in a session. recent keeps only as many
// timestamps, oldest first, as the tool's cap can ever need.
type usage struct {
	total  int
	recent []time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:          id,
		CreatedAt:   now,
		lastActive:  now,
		invocations: make(map[string]*usage),
		grants:      make(map[string]Grant),
	}
}

// Lock acquires the session's exclusion lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's exclusion lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// InvocationsSince implements policy.Usage. It counts only the retained
// timestamps, which is at least as many as the tool's cap. The caller must
// hold the lock.
func (s *Session) InvocationsSince(tool string, since time.Time) (int, time.Time) {
	u, ok := s.invocations[tool]
	if !ok {
		return 0, time.Time{}
	}
	var (
		n      int
		oldest time.Time
	)
	for _, t := range u.recent {
		if t.Before(since) {
			continue
		}
		if n == 0 {
			oldest = t
		}
		n++
	}
	return n, oldest
}

// RecordInvocation counts one invocation of tool and retains at most keep
// timestamps for it; keep is the tool's per-session cap, zero for uncapped
// tools. The caller must hold the lock.
func (s *Session) RecordInvocation(tool string, at time.Time, keep int) {
	u, ok := s.invocations[tool]
	if !ok {
		u = &usage{}
		s.invocations[tool] = u
	}
	u.total++
	if keep > 0 {
		u.recent = append(u.recent, at)
		if extra := len(u.recent) - keep; extra > 0 {
			u.recent = slices.Delete(u.recent, 0, extra)
		}
	} else {
		u.recent = nil
	}
	s.lastActive = at
}

// TrimInvocations drops timestamps older than cutoff. The caller must hold
// the lock. Tools capped for the session lifetime must not be trimmed.
func (s *Session) TrimInvocations(tool string, cutoff time.Time) {
	u, ok := s.invocations[tool]
	if !ok {
		return
	}
	i := 0
	for i < len(u.recent) && u.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		u.recent = slices.Delete(u.recent, 0, i)
	}
}

// AddGrant records an approved confirmation. The caller must hold the lock.
func (s *Session) AddGrant(g Grant) {
	s.grants[g.RequestID] = g
}

// TakeGrant consumes the grant for requestID if it authorizes exactly
// this tool and command. The caller must hold the lock.
func (s *Session) TakeGrant(requestID, tool, command string) bool {
	g, ok := s.grants[requestID]
	if !ok || g.Tool != tool || g.Command != command {
		return false
	}
	delete(s.grants, requestID)
	return true
}

// Info is a point-in-time view of a session for status endpoints.
type Info struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
	Invocations  map[string]int `json:"invocations"`
	Grants       int            `json:"pending_grants"`
}

// Snapshot returns an Info copy. It takes the lock itself.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int, len(s.invocations))
	for tool, u := range s.invocations {
		counts[tool] = u.total
	}
	return Info{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.lastActive,
		Invocations:  counts,
		Grants:       len(s.grants),
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
