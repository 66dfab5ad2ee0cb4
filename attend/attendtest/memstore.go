// Package attendtest provides an in-memory SessionStore with the same
// atomicity semantics as the MongoDB store, for use in tests.
package attendtest

import (
	"context"
	"sync"
	"time"

	"github.com/rollcall-app/rollcall/attend"
)

// MemStore is an in-memory attend.SessionStore. Safe for concurrent use.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*attend.Session
	groups   map[string]*attend.GroupSession
	records  []*attend.Record

	// FailWith, when set, makes every operation return this error. Tests
	// use it to simulate a store outage.
	FailWith error

	// FailGroupWith, when set, fails only CreateGroup. Tests use it to
	// exercise partial group creation.
	FailGroupWith error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*attend.Session),
		groups:   make(map[string]*attend.GroupSession),
	}
}

func (m *MemStore) Create(_ context.Context, s *attend.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	for _, existing := range m.sessions {
		if existing.Triple == s.Triple && existing.Status.Live() {
			return attend.ErrSiblingExists
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) Get(_ context.Context, sid string) (*attend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	s, ok := m.sessions[sid]
	if !ok {
		return nil, attend.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) FindLiveForTriple(_ context.Context, t attend.Triple) (*attend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	for _, s := range m.sessions {
		if s.Triple == t && s.Status.Live() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, attend.ErrNoActiveSession
}

func (m *MemStore) FindByStatus(_ context.Context, status attend.Status) ([]*attend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []*attend.Session
	for _, s := range m.sessions {
		if s.Status == status {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) Transition(_ context.Context, sid string, expected, next attend.Status, update attend.TransitionUpdate) (*attend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	s, ok := m.sessions[sid]
	if !ok {
		return nil, attend.ErrSessionNotFound
	}
	if s.Status != expected {
		return nil, attend.ErrCASConflict
	}
	s.Status = next
	applyUpdate(&s.LockedAt, &s.StartedAt, &s.EndedAt, &s.CurrentToken, &s.TokenExpiry, &s.RefreshCount, update)
	cp := *s
	return &cp, nil
}

func (m *MemStore) Incr(_ context.Context, sid string, delta attend.CounterDelta) (*attend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	s, ok := m.sessions[sid]
	if !ok {
		return nil, attend.ErrSessionNotFound
	}
	s.Counters.Joined += delta.Joined
	s.Counters.Present += delta.Present
	s.Counters.TotalScans += delta.TotalScans
	s.Counters.UniqueDevices += delta.UniqueDevices
	s.Counters.DuplicateAttempts += delta.DuplicateAttempts
	s.Counters.InvalidTokenAttempts += delta.InvalidTokenAttempts
	cp := *s
	return &cp, nil
}

func (m *MemStore) UpdateToken(_ context.Context, sid, token string, expiry time.Time) (*attend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	s, ok := m.sessions[sid]
	if !ok {
		return nil, attend.ErrSessionNotFound
	}
	if s.Status != attend.StatusActive {
		return nil, attend.ErrBadTransition
	}
	s.CurrentToken = token
	s.TokenExpiry = expiry
	s.RefreshCount++
	cp := *s
	return &cp, nil
}

func (m *MemStore) MirrorToken(_ context.Context, sids []string, token string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	for _, sid := range sids {
		if s, ok := m.sessions[sid]; ok && s.Status == attend.StatusActive {
			s.CurrentToken = token
			s.TokenExpiry = expiry
			s.RefreshCount++
		}
	}
	return nil
}

func (m *MemStore) Reap(_ context.Context, endedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, m.FailWith
	}
	var n int64
	for sid, s := range m.sessions {
		if s.Status == attend.StatusEnded && s.EndedAt != nil && s.EndedAt.Before(endedBefore) {
			delete(m.sessions, sid)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) CreateGroup(_ context.Context, g *attend.GroupSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	if m.FailGroupWith != nil {
		return m.FailGroupWith
	}
	cp := *g
	cp.Members = append([]attend.GroupMember(nil), g.Members...)
	m.groups[g.ID] = &cp
	return nil
}

func (m *MemStore) GetGroup(_ context.Context, gid string) (*attend.GroupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	g, ok := m.groups[gid]
	if !ok {
		return nil, attend.ErrGroupNotFound
	}
	cp := *g
	cp.Members = append([]attend.GroupMember(nil), g.Members...)
	return &cp, nil
}

func (m *MemStore) FindGroupsByStatus(_ context.Context, status attend.Status) ([]*attend.GroupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []*attend.GroupSession
	for _, g := range m.groups {
		if g.Status == status {
			cp := *g
			cp.Members = append([]attend.GroupMember(nil), g.Members...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) TransitionGroup(_ context.Context, gid string, expected, next attend.Status, update attend.TransitionUpdate) (*attend.GroupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	g, ok := m.groups[gid]
	if !ok {
		return nil, attend.ErrGroupNotFound
	}
	if g.Status != expected {
		return nil, attend.ErrCASConflict
	}
	g.Status = next
	applyUpdate(&g.LockedAt, &g.StartedAt, &g.EndedAt, &g.CurrentToken, &g.TokenExpiry, &g.RefreshCount, update)
	cp := *g
	return &cp, nil
}

func (m *MemStore) UpdateGroupToken(_ context.Context, gid, token string, expiry time.Time) (*attend.GroupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	g, ok := m.groups[gid]
	if !ok {
		return nil, attend.ErrGroupNotFound
	}
	if g.Status != attend.StatusActive {
		return nil, attend.ErrBadTransition
	}
	g.CurrentToken = token
	g.TokenExpiry = expiry
	g.RefreshCount++
	cp := *g
	return &cp, nil
}

func (m *MemStore) SaveRecord(_ context.Context, r *attend.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

// Records returns a copy of all saved records.
func (m *MemStore) Records() []*attend.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*attend.Record, len(m.records))
	copy(out, m.records)
	return out
}

// Session returns the stored session for direct assertions.
func (m *MemStore) Session(sid string) *attend.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sid]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// Group returns the stored group for direct assertions.
func (m *MemStore) Group(gid string) *attend.GroupSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[gid]; ok {
		cp := *g
		cp.Members = append([]attend.GroupMember(nil), g.Members...)
		return &cp
	}
	return nil
}

func applyUpdate(lockedAt, startedAt, endedAt **time.Time, token *string, expiry *time.Time, refreshCount *int64, u attend.TransitionUpdate) {
	if u.SetLockedAt != nil {
		t := *u.SetLockedAt
		*lockedAt = &t
	}
	if u.ClearLockedAt {
		*lockedAt = nil
	}
	if u.SetStartedAt != nil {
		t := *u.SetStartedAt
		*startedAt = &t
	}
	if u.SetEndedAt != nil {
		t := *u.SetEndedAt
		*endedAt = &t
	}
	if u.SetToken != "" {
		*token = u.SetToken
		*expiry = u.SetTokenExpiry
		*refreshCount = 1
	}
	if u.ClearToken {
		*token = ""
		*expiry = time.Time{}
	}
}
