package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type item struct {
	entry     Entry
	expiresAt time.Time
}

// tombstone remembers that a code was invalidated with generation gen.
type tombstone struct {
	gen       uint64
	expiresAt time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]item
	tombs map[string]tombstone
}

// Memory is the process-local tier. Keys are spread over shards so that
// readers on different codes never contend, and readers on the same shard
// only take a read lock.
type Memory struct {
	shards       [shardCount]*shard
	perShard     int
	tombstoneTTL time.Duration
	gen          atomic.Uint64
	now          func() time.Time
}

// NewMemory returns a local cache holding at most maxEntries codes.
func NewMemory(maxEntries int) *Memory {
	perShard := maxEntries / shardCount
	if perShard < 1 {
		perShard = 1
	}
	m := &Memory{perShard: perShard, tombstoneTTL: tombstoneTTL, now: time.Now}
	for i := range m.shards {
		m.shards[i] = &shard{
			items: make(map[string]item),
			tombs: make(map[string]tombstone),
		}
	}
	return m
}

func (m *Memory) shardFor(code string) *shard {
	return m.shards[xxhash.Sum64String(code)%shardCount]
}

func (m *Memory) Get(_ context.Context, code string) (Entry, bool) {
	s := m.shardFor(code)

	s.mu.RLock()
	it, ok := s.items[code]
	s.mu.RUnlock()

	if !ok {
		return Entry{}, false
	}
	now := m.now()
	if !now.Before(it.expiresAt) {
		s.mu.Lock()
		if cur, still := s.items[code]; still && !now.Before(cur.expiresAt) {
			delete(s.items, code)
		}
		s.mu.Unlock()
		return Entry{}, false
	}
	return it.entry, true
}

func (m *Memory) Put(_ context.Context, code string, entry Entry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := m.now()
	s := m.shardFor(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(code, entry, ttl, now, m.perShard)
}

// Stamp returns the generation of the live tombstone for code, zero if there
// is none.
func (m *Memory) Stamp(_ context.Context, code string) Stamp {
	s := m.shardFor(code)
	now := m.now()
	s.mu.RLock()
	gen := s.generation(code, now)
	s.mu.RUnlock()
	return Stamp{local: gen}
}

// PutIfCurrent stores entry unless code was invalidated after stamp was taken.
func (m *Memory) PutIfCurrent(_ context.Context, code string, stamp Stamp, entry Entry, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	now := m.now()
	s := m.shardFor(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation(code, now) != stamp.local {
		return false
	}
	s.store(code, entry, ttl, now, m.perShard)
	return true
}

// Invalidate drops code and leaves a tombstone so in-flight fills that
// started earlier are rejected.
func (m *Memory) Invalidate(_ context.Context, code string) error {
	gen := m.gen.Add(1)
	now := m.now()
	s := m.shardFor(code)
	s.mu.Lock()
	delete(s.items, code)
	if len(s.tombs) >= m.perShard {
		s.sweepTombs(now)
	}
	s.tombs[code] = tombstone{gen: gen, expiresAt: now.Add(m.tombstoneTTL)}
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held, expired ones included.
func (m *Memory) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// store writes entry. Caller holds the shard write lock.
func (s *shard) store(code string, entry Entry, ttl time.Duration, now time.Time, limit int) {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = now
	}
	if _, exists := s.items[code]; !exists && len(s.items) >= limit {
		s.evictOne(now)
	}
	s.items[code] = item{entry: entry, expiresAt: now.Add(ttl)}
}

// generation reads the live tombstone for code. Caller holds the shard lock.
func (s *shard) generation(code string, now time.Time) uint64 {
	tb, ok := s.tombs[code]
	if !ok || !now.Before(tb.expiresAt) {
		return 0
	}
	return tb.gen
}

func (s *shard) sweepTombs(now time.Time) {
	for code, tb := range s.tombs {
		if !now.Before(tb.expiresAt) {
			delete(s.tombs, code)
		}
	}
}

// evictOne drops an expired entry if there is one, otherwise an arbitrary
// one. Caller holds the shard lock.
func (s *shard) evictOne(now time.Time) {
	var victim string
	found := false
	for code, it := range s.items {
		if !now.Before(it.expiresAt) {
			delete(s.items, code)
			return
		}
		if !found {
			victim, found = code, true
		}
	}
	if found {
		delete(s.items, victim)
	}
}
