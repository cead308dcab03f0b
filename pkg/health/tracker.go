// Package health tracks per-source availability. Three consecutive
// fetch failures mark a source unavailable; any success restores it.
// An unavailable source becomes probe-eligible again after a cooldown
// so a transient outage never locks it out permanently.
package health

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultFailureThreshold is the number of unbroken failures
	// after which a source is considered down.
	DefaultFailureThreshold = 3

	// DefaultCooldown is how long a down source is skipped before
	// it is offered for a reprobe.
	DefaultCooldown = 5 * time.Minute
)

// Status is the mutable availability state of one source.
type Status struct {
	Available           bool      `json:"available"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	IntegrityVerified   bool      `json:"integrity_verified"`
}

// Tracker owns all Status entries. It is the only writer; readers
// get copies. Entries are created lazily on first reference.
type Tracker struct {
	mu        sync.RWMutex
	statuses  map[string]*Status
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithFailureThreshold overrides the consecutive-failure limit.
func WithFailureThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

// WithCooldown overrides the reprobe cooldown. Zero disables
// time-based recovery entirely.
func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) { t.cooldown = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		statuses:  make(map[string]*Status),
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		logger:    slog.Default().With("component", "health"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) status(id string) *Status {
	s, ok := t.statuses[id]
	if !ok {
		s = &Status{Available: true}
		t.statuses[id] = s
	}
	return s
}

// RecordSuccess resets the failure counter and restores availability.
// integrityVerified carries the structural-check result computed by
// the fetch path for government sources.
func (t *Tracker) RecordSuccess(id string, integrityVerified bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.status(id)
	wasDown := !s.Available
	s.Available = true
	s.ConsecutiveFailures = 0
	s.LastSuccessAt = t.now()
	s.LastCheckedAt = s.LastSuccessAt
	s.IntegrityVerified = integrityVerified

	if wasDown {
		t.logger.Info("source recovered", "source", id)
	}
}

// RecordFailure increments the failure counter and, at the
// threshold, marks the source unavailable.
func (t *Tracker) RecordFailure(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.status(id)
	s.ConsecutiveFailures++
	s.LastCheckedAt = t.now()
	if s.ConsecutiveFailures >= t.threshold && s.Available {
		s.Available = false
		t.logger.Warn("source marked unavailable",
			"source", id,
			"consecutive_failures", s.ConsecutiveFailures)
	}
}

// IsAvailable reports whether a source should be offered to the
// selector. A down source becomes eligible again once the cooldown
// since its last check has elapsed, allowing a single reprobe.
func (t *Tracker) IsAvailable(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.statuses[id]
	if !ok {
		return true
	}
	if s.Available {
		return true
	}
	if t.cooldown > 0 && t.now().Sub(s.LastCheckedAt) >= t.cooldown {
		return true
	}
	return false
}

// Get returns a copy of the status for a source; ok is false when
// the source has never been recorded.
func (t *Tracker) Get(id string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[id]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// Snapshot returns a copy of all statuses, keyed by source id.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = *s
	}
	return out
}
