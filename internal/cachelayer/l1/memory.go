// Package l1 implements the fast, local, TTL-evicting near cache tier.
// Entries are kept in an in-process map; eviction happens both lazily (on
// Get) and via a background sweeper (see sweeper.go).
package l1

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/isrengine/pkg/isr"
)

// ForeverTTL is the fixed large TTL used for entries whose revalidateAfter
// is nil ("never stale").
const ForeverTTL = 365 * 24 * time.Hour

// MinTTL is the floor applied to any computed TTL so a revalidateAfter that
// has already passed (or is only milliseconds away) still gets a usable
// L1 entry instead of one that expires immediately.
const MinTTL = time.Second

type record struct {
	entry     *isr.CacheEntry
	expiresAt time.Time
}

// Memory is an in-memory, mutex-guarded L1 cache layer.
type Memory struct {
	mu     sync.RWMutex
	data   map[isr.StorageKey]record
	logger *zap.Logger
	now    func() time.Time
}

// New constructs a Memory L1 layer. A nil logger is replaced with a no-op
// logger.
func New(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		data:   make(map[isr.StorageKey]record),
		logger: logger,
		now:    time.Now,
	}
}

// ttlFor computes the eviction TTL from an entry's revalidateAfter.
func ttlFor(meta isr.CacheEntryMetadata, now time.Time) time.Duration {
	if meta.RevalidateAfter == nil {
		return ForeverTTL
	}
	remaining := meta.RevalidateAfter.Sub(now)
	secs := math.Ceil(remaining.Seconds())
	ttl := time.Duration(secs) * time.Second
	if ttl < MinTTL {
		return MinTTL
	}
	return ttl
}

// Get returns the entry for key, classified HIT/STALE/MISS. A lazily
// expired entry (past its stored TTL) is evicted and reported MISS.
func (m *Memory) Get(ctx context.Context, key isr.StorageKey) (isr.GetResult, error) {
	m.mu.RLock()
	rec, ok := m.data[key]
	m.mu.RUnlock()

	if !ok {
		return isr.GetResult{Status: isr.StatusMiss}, nil
	}

	now := m.now()
	if now.After(rec.expiresAt) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return isr.GetResult{Status: isr.StatusMiss}, nil
	}

	status := isr.StatusHit
	if rec.entry.Metadata.IsStale(now) {
		status = isr.StatusStale
	}
	return isr.GetResult{Entry: rec.entry, Status: status}, nil
}

// Put stores entry under key with the TTL computed from its metadata.
func (m *Memory) Put(ctx context.Context, key isr.StorageKey, entry *isr.CacheEntry) error {
	now := m.now()
	ttl := ttlFor(entry.Metadata, now)

	m.mu.Lock()
	m.data[key] = record{entry: entry, expiresAt: now.Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Delete removes key, if present.
func (m *Memory) Delete(ctx context.Context, key isr.StorageKey) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Sweep evicts every entry whose stored TTL has passed as of now. It is the
// unit the background sweeper goroutine (sweeper.go) calls on a ticker; it's
// also directly testable without waiting on wall-clock time.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, rec := range m.data {
		if now.After(rec.expiresAt) {
			delete(m.data, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of entries currently held, expired or not. Mostly
// useful for tests and metrics.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

var _ isr.CacheLayer = (*Memory)(nil)
