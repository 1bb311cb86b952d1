package keystore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memRecord struct {
	value     string
	items     []string
	createdAt time.Time
	expiresAt time.Time
}

// Memory is a process-local Store. It backs tests and single-instance local
// runs; it gives no cross-instance visibility.
type Memory struct {
	mu      sync.Mutex
	records map[string]*memRecord
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

type MemoryOption func(*Memory)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{records: make(map[string]*memRecord), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// live returns the record at key, dropping it first if it has expired.
// Callers must hold m.mu.
func (m *Memory) live(key string) *memRecord {
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	if !rec.expiresAt.IsZero() && !m.now().Before(rec.expiresAt) {
		delete(m.records, key)
		return nil
	}
	return rec
}

func (m *Memory) newRecord(value string, ttl time.Duration) *memRecord {
	now := m.now()
	rec := &memRecord{value: value, createdAt: now}
	if ttl > 0 {
		rec.expiresAt = now.Add(ttl)
	}
	return rec
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.live(key)
	if rec == nil {
		return "", ErrNotFound
	}
	return rec.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = m.newRecord(value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	m.records[key] = m.newRecord(value, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.records, key)
	}
	return nil
}

func (m *Memory) DeleteIfValue(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.live(key)
	if rec == nil || rec.value != value {
		return false, nil
	}
	delete(m.records, key)
	return true, nil
}

func (m *Memory) Append(_ context.Context, key, value string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.live(key)
	if rec == nil {
		rec = m.newRecord("", 0)
		m.records[key] = rec
	}
	rec.items = append(rec.items, value)
	return len(rec.items), nil
}

func (m *Memory) Range(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.live(key)
	if rec == nil || len(rec.items) == 0 {
		return nil, nil
	}
	out := make([]string, len(rec.items))
	copy(out, rec.items)
	return out, nil
}

func (m *Memory) ScanPrefix(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []Entry
	for key := range m.records {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rec := m.live(key)
		if rec == nil {
			continue
		}
		entries = append(entries, Entry{Key: key, CreatedAt: rec.createdAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}
