// Package throttle implements the per-(event, key) notification cooldown gate.
// It suppresses duplicate notifications: the first call for a given event and
// key passes, subsequent calls are denied until the event's cooldown elapses.
//
// A single Throttler is process-wide, created at startup and torn down on
// shutdown. Entries are evicted by a periodic GC (see internal/maintenance).
package throttle

import (
	"sync"
	"time"
)

// EventKind names a notification event class with its own cooldown.
type EventKind string

const (
	EventProfileFailure EventKind = "profile_failure"
	EventProfileSuccess EventKind = "profile_success"
	EventJobFailure     EventKind = "job_failure"
	EventJobSuccess     EventKind = "job_success"
	EventDatabaseSize   EventKind = "database_size"
	EventUserCreated    EventKind = "user_created"
	EventAPIKeyCreated  EventKind = "apikey_created"
	EventWebhookCreated EventKind = "webhook_created"
)

// DefaultCooldown returns the standard cooldown for an event kind.
// Creation events are never throttled.
func DefaultCooldown(kind EventKind) time.Duration {
	switch kind {
	case EventProfileFailure, EventJobFailure:
		return 5 * time.Minute
	case EventProfileSuccess, EventJobSuccess:
		return 30 * time.Minute
	case EventDatabaseSize:
		return time.Hour
	default:
		return 0
	}
}

// GCMaxAge is how long an entry may sit untouched before the periodic GC
// evicts it.
const GCMaxAge = 24 * time.Hour

// Throttler is a concurrent key→last-notified map.
// The zero value is not usable — create instances with New.
type Throttler struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// New creates an empty Throttler.
func New() *Throttler {
	return &Throttler{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// ShouldNotify reports whether a notification for (kind, key) may fire now.
// It returns true when no timestamp exists or the stored one is older than
// cooldown; on true the timestamp is updated in the same critical section, so
// at most one caller wins per cooldown window.
func (t *Throttler) ShouldNotify(kind EventKind, key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}

	mapKey := string(kind) + "|" + key
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.entries[mapKey]; ok && now.Sub(last) < cooldown {
		return false
	}
	t.entries[mapKey] = now
	return true
}

// GC evicts entries older than maxAge. Returns the number of evictions.
func (t *Throttler) GC(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for k, ts := range t.entries {
		if ts.Before(cutoff) {
			delete(t.entries, k)
			evicted++
		}
	}
	return evicted
}

// Len reports the current number of tracked entries. Used by metrics and tests.
func (t *Throttler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
