package counter

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used when no REDIS_URL is configured and in tests.
type Memory struct {
	mu   sync.Mutex
	data map[string]memEntry
	// Now is the clock used for expiry; tests replace it.
	Now func() time.Time
}

type memEntry struct {
	val       []byte
	expiresAt time.Time // zero means no expiry
}

func NewMemory() *Memory {
	return &Memory{data: map[string]memEntry{}, Now: time.Now}
}

// live returns the entry for key, dropping it when expired. Callers hold mu.
func (m *Memory) live(key string, now time.Time) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	e, ok := m.live(key, now)
	var n int64
	if ok {
		n, _ = strconv.ParseInt(string(e.val), 10, 64)
	}
	if e.expiresAt.IsZero() && ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	n++
	e.val = []byte(strconv.FormatInt(n, 10))
	m.data[key] = e
	var left time.Duration
	if !e.expiresAt.IsZero() {
		left = e.expiresAt.Sub(now)
	}
	return n, left, nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if _, ok := m.live(key, now); ok {
		return false, nil
	}
	m.data[key] = m.entry(value, ttl, now)
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = m.entry(value, ttl, m.Now())
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, m.Now())
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.val...), nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) entry(value []byte, ttl time.Duration, now time.Time) memEntry {
	e := memEntry{val: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e
}
