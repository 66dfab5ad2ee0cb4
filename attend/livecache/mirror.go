package livecache

import (
	"sync"
	"time"
)

// mirror is the in-process shadow of the Redis keyspace. Every write lands
// here as well as in Redis, so reads keep working when Redis is unreachable.
// Entries expire lazily on access using the same TTLs as their Redis
// counterparts.
type mirror struct {
	mu   sync.Mutex
	sets map[string]*memSet
	kv   map[string]memVal
	maps map[string]memMap
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

type memVal struct {
	val       string
	expiresAt time.Time
}

type memMap struct {
	m         map[string]string
	expiresAt time.Time
}

func newMirror() *mirror {
	return &mirror{
		sets: make(map[string]*memSet),
		kv:   make(map[string]memVal),
		maps: make(map[string]memMap),
	}
}

// setAdd adds member to the set at key and reports whether it was newly
// added. Each add renews the set's expiry.
func (m *mirror) setAdd(key, member string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.liveSet(key)
	if s == nil {
		s = &memSet{members: make(map[string]struct{})}
		m.sets[key] = s
	}
	s.expiresAt = time.Now().Add(MembershipTTL)
	if _, ok := s.members[member]; ok {
		return false
	}
	s.members[member] = struct{}{}
	return true
}

func (m *mirror) setHas(key, member string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.liveSet(key)
	if s == nil {
		return false
	}
	_, ok := s.members[member]
	return ok
}

func (m *mirror) setMembers(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.liveSet(key)
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.members))
	for member := range s.members {
		out = append(out, member)
	}
	return out
}

func (m *mirror) setRemove(key, member string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.liveSet(key)
	if s == nil {
		return false
	}
	if _, ok := s.members[member]; !ok {
		return false
	}
	delete(s.members, member)
	if len(s.members) == 0 {
		delete(m.sets, key)
	}
	return true
}

func (m *mirror) del(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.sets, key)
		delete(m.kv, key)
		delete(m.maps, key)
	}
}

func (m *mirror) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.kv[key]
	if !ok {
		return "", false
	}
	if time.Now().After(v.expiresAt) {
		delete(m.kv, key)
		return "", false
	}
	return v.val, true
}

func (m *mirror) set(key, val string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kv[key] = memVal{val: val, expiresAt: time.Now().Add(ttl)}
}

func (m *mirror) getMap(key string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.maps[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.maps, key)
		return nil, false
	}
	out := make(map[string]string, len(entry.m))
	for k, v := range entry.m {
		out[k] = v
	}
	return out, true
}

func (m *mirror) setMap(key string, src map[string]string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make(map[string]string, len(src))
	for k, v := range src {
		cp[k] = v
	}
	m.maps[key] = memMap{m: cp, expiresAt: time.Now().Add(ttl)}
}

// liveSet returns the set at key, evicting it first if expired.
// Callers must hold mu.
func (m *mirror) liveSet(key string) *memSet {
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	if time.Now().After(s.expiresAt) {
		delete(m.sets, key)
		return nil
	}
	return s
}
