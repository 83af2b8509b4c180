package kv

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	zset    map[string]float64
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

type memoryStore struct {
	mu    sync.Mutex
	data  map[string]*entry
	clock func() time.Time
}

type MemoryOption func(*memoryStore)

// WithClock replaces time.Now, mostly for tests that need to jump past a TTL.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *memoryStore) {
		s.clock = clock
	}
}

func NewMemory(opts ...MemoryOption) *memoryStore {
	s := &memoryStore{
		data:  make(map[string]*entry),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns a live entry and drops an expired one. Caller holds mu.
func (s *memoryStore) lookup(key string, now time.Time) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

func (s *memoryStore) deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.data[key] = &entry{
		value:   append([]byte(nil), value...),
		expires: s.deadline(now, ttl),
	}
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, s.clock())
	if !ok || e.zset != nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(key, s.clock())
	delete(s.data, key)
	return ok, nil
}

func (s *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(key, s.clock())
	return ok, nil
}

func (s *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	e, ok := s.lookup(key, now)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.data, key)
		return true, nil
	}
	e.expires = s.deadline(now, ttl)
	return true, nil
}

func (s *memoryStore) DeleteIfEqual(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, s.clock())
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

func (s *memoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	e, ok := s.lookup(key, now)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expires.IsZero() {
		return 0, nil
	}
	return e.expires.Sub(now), nil
}

func (s *memoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	e, ok := s.lookup(key, now)
	if !ok {
		s.data[key] = &entry{value: []byte("1"), expires: s.deadline(now, ttl)}
		return 1, nil
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (s *memoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}
	s.data[key] = &entry{
		value:   append([]byte(nil), value...),
		expires: s.deadline(now, ttl),
	}
	return true, nil
}

func (s *memoryStore) Count(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var n int64
	for key := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.lookup(key, now); ok {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ZIncr(_ context.Context, key, member string, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	e, ok := s.lookup(key, now)
	if !ok {
		e = &entry{zset: make(map[string]float64)}
		s.data[key] = e
	}
	if e.zset == nil {
		e.zset = make(map[string]float64)
		e.value = nil
	}
	e.zset[member]++
	e.expires = s.deadline(now, ttl)
	return e.zset[member], nil
}

func (s *memoryStore) ZTop(_ context.Context, key string, n int) ([]Scored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, s.clock())
	if !ok || n <= 0 {
		return nil, nil
	}

	out := make([]Scored, 0, len(e.zset))
	for member, score := range e.zset {
		out = append(out, Scored{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Member > out[j].Member
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Backend() string { return "memory" }

func (s *memoryStore) Durable() bool { return false }
