package engine

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/23skdu/longbow-shard/internal/loader"
	"github.com/23skdu/longbow-shard/internal/metrics"
	"github.com/23skdu/longbow-shard/internal/model"
	"github.com/23skdu/longbow-shard/internal/shard"
)

// Session is one request's decode context: its KV cache and the alpha
// counters of the tokens sampled so far. Calls on a session are serialized.
type Session struct {
	ID string

	mu     sync.Mutex
	model  *model.Instance
	cache  *model.Cache
	counts []int
}

func newSession(id string, m *model.Instance) *Session {
	return &Session{ID: id, model: m, cache: m.NewCache()}
}

// alphaCounts lazily sizes the counters to the vocabulary.
func (s *Session) alphaCounts(vocab int) []int {
	if len(s.counts) != vocab {
		s.counts = make([]int, vocab)
	}
	return s.counts
}

type sessionKey struct {
	id    string
	shard shard.Shard
}

// sessionTable is an LRU of sessions keyed by request id and shard.
type sessionTable struct {
	mu       sync.Mutex
	capacity int
	m        *orderedmap.OrderedMap[sessionKey, *Session]
}

func newSessionTable(capacity int) *sessionTable {
	if capacity <= 0 {
		capacity = 1
	}
	return &sessionTable{capacity: capacity, m: orderedmap.New[sessionKey, *Session]()}
}

// acquire returns the session of request id on l's shard, replacing one
// bound to an instance that has since been rebuilt.
func (t *sessionTable) acquire(id string, l *loader.Loaded) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := sessionKey{id: id, shard: l.Shard}
	if s, ok := t.m.Get(key); ok && s.model == l.Model {
		_ = t.m.MoveToBack(key)
		return s
	} else if ok {
		t.m.Delete(key)
		metrics.RecordSessionEviction("shard")
	}

	s := newSession(id, l.Model)
	t.m.Set(key, s)
	for t.m.Len() > t.capacity {
		oldest := t.m.Oldest()
		t.m.Delete(oldest.Key)
		metrics.RecordSessionEviction("capacity")
	}
	metrics.SessionsActive.Set(float64(t.m.Len()))
	return s
}

// dropModel forgets every session bound to inst.
func (t *sessionTable) dropModel(inst *model.Instance) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []sessionKey
	for p := t.m.Oldest(); p != nil; p = p.Next() {
		if p.Value.model == inst {
			stale = append(stale, p.Key)
		}
	}
	for _, key := range stale {
		t.m.Delete(key)
		metrics.RecordSessionEviction("shard")
	}
	metrics.SessionsActive.Set(float64(t.m.Len()))
	return len(stale)
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m.Len()
}
