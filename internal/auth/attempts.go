package auth

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	defaultAttemptWindow   = 2 * time.Minute
	defaultAttemptCapacity = 100
)

type AttemptConfig struct {
	Window   time.Duration
	Capacity int
}

type attemptEntry struct {
	count     int
	expiresAt time.Time
}

// LoginAttemptTracker counts consecutive failed logins per user id.
// Entries expire Window after their last write and the least recently used
// entry is evicted once Capacity is reached.
type LoginAttemptTracker struct {
	mu      sync.Mutex
	entries *simplelru.LRU[int64, attemptEntry]
	window  time.Duration
	now     func() time.Time
}

func NewLoginAttemptTracker(cfg AttemptConfig) *LoginAttemptTracker {
	if cfg.Window <= 0 {
		cfg.Window = defaultAttemptWindow
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultAttemptCapacity
	}

	// Only fails for a non-positive size.
	entries, _ := simplelru.NewLRU[int64, attemptEntry](cfg.Capacity, nil)

	return &LoginAttemptTracker{
		entries: entries,
		window:  cfg.Window,
		now:     time.Now,
	}
}

func (t *LoginAttemptTracker) WithClock(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// RecordFailure increments the counter for userID and returns the new count.
func (t *LoginAttemptTracker) RecordFailure(userID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	count := 0
	if entry, ok := t.liveEntry(userID, now); ok {
		count = entry.count
	}
	count++

	t.entries.Add(userID, attemptEntry{count: count, expiresAt: now.Add(t.window)})
	return count
}

func (t *LoginAttemptTracker) Reset(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries.Remove(userID)
}

func (t *LoginAttemptTracker) Count(userID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.liveEntry(userID, t.now())
	if !ok {
		return 0
	}
	return entry.count
}

func (t *LoginAttemptTracker) HasExceeded(userID int64, threshold int) bool {
	return t.Count(userID) >= threshold
}

func (t *LoginAttemptTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.entries.Len()
}

// PurgeExpired drops every expired entry and reports how many were removed.
func (t *LoginAttemptTracker) PurgeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for _, key := range t.entries.Keys() {
		entry, ok := t.entries.Peek(key)
		if ok && !now.Before(entry.expiresAt) {
			t.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// liveEntry must be called with t.mu held.
func (t *LoginAttemptTracker) liveEntry(userID int64, now time.Time) (attemptEntry, bool) {
	entry, ok := t.entries.Get(userID)
	if !ok {
		return attemptEntry{}, false
	}
	if !now.Before(entry.expiresAt) {
		t.entries.Remove(userID)
		return attemptEntry{}, false
	}
	return entry, true
}
