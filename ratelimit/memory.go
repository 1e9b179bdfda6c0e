package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	shardCount = 32
	// shards bigger than this drop expired windows, at most once per window
	pruneThreshold = 4096
)

type (
	MemoryStore struct {
		shards [shardCount]shard
	}

	shard struct {
		sync.Mutex
		counters  map[string]*counter
		nextPrune time.Time
	}

	counter struct {
		start   time.Time
		expires time.Time
		count   int64
	}
)

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.shards {
		m.shards[i].counters = make(map[string]*counter)
	}
	return m
}

func (m *MemoryStore) Incr(_ context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	s := &m.shards[xxhash.Sum64String(key)%shardCount]
	s.Lock()
	defer s.Unlock()

	c := s.counters[key]
	if c == nil || !now.Before(c.expires) {
		if c == nil && len(s.counters) >= pruneThreshold && !now.Before(s.nextPrune) {
			s.prune(now)
			s.nextPrune = now.Add(window)
		}
		c = &counter{start: now, expires: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.start, nil
}

// Len returns how many keys currently hold a counter.
func (m *MemoryStore) Len() int {
	var n int
	for i := range m.shards {
		s := &m.shards[i]
		s.Lock()
		n += len(s.counters)
		s.Unlock()
	}
	return n
}

func (s *shard) prune(now time.Time) {
	for k, c := range s.counters {
		if !now.Before(c.expires) {
			delete(s.counters, k)
		}
	}
}
