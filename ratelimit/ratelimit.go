// Package ratelimit provides a keyed sliding-window request counter behind a
// small Store interface, so the in-process implementation and the Redis-backed
// distributed one are interchangeable without touching call sites.
package ratelimit

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Result of a rate-limit check. RetryAfter is the number of whole seconds
// until the window resets, set only when the request is denied.
type Result struct {
	Allowed    bool
	RetryAfter int
}

// Store counts requests per key within a rolling window.
type Store interface {
	Check(key string, window time.Duration, max int) Result
	Reset(key string)
}

// MemoryStore keeps counters in process memory. This is best-effort and
// process-local only: every instance has its own counters, so a
// multi-instance deployment needs the Redis store for the same guarantee.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	count   int
	started time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Check counts one request against the key's current window. The first
// request for a key, or the first after the window has elapsed, resets the
// counter to 1 and is always allowed.
func (m *MemoryStore) Check(key string, window time.Duration, max int) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || now.Sub(e.started) >= window {
		m.entries[key] = &windowEntry{count: 1, started: now}
		return Result{Allowed: true}
	}

	e.count++
	if e.count > max {
		retry := int(math.Ceil((window - now.Sub(e.started)).Seconds()))
		if retry < 1 {
			retry = 1
		}
		return Result{RetryAfter: retry}
	}
	return Result{Allowed: true}
}

func (m *MemoryStore) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// StartSweeper evicts entries whose window started more than maxAge ago,
// bounding the map's memory over time. Without the sweep running the map
// grows with every distinct key, so scheduling failures are logged rather
// than swallowed.
func (m *MemoryStore) StartSweeper(maxAge time.Duration) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("❌ [RATELIMIT] failed to create sweep scheduler: %v", err)
		return
	}
	sched.Start()

	if _, err := sched.NewJob(
		gocron.DurationJob(maxAge),
		gocron.NewTask(func() {
			m.sweep(maxAge)
		}),
	); err != nil {
		log.Printf("❌ [RATELIMIT] failed to schedule sweep job: %v", err)
	}
}

func (m *MemoryStore) sweep(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.entries {
		if now.Sub(e.started) >= maxAge {
			delete(m.entries, key)
		}
	}
}
