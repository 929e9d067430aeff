// Package quota tracks per-category sliding quota windows and converts their
// state into wait durations for the invoker.
package quota

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/metrics"
)

// Window sizes a quota category.
type Window struct {
	Capacity int           `json:"capacity"`
	Duration time.Duration `json:"window"`
}

// Config controls the ledger.
type Config struct {
	// Categories maps an endpoint category to its window. The "default"
	// entry backs every category that is not listed.
	Categories map[string]Window
	// SafetyBuffer is added to the remaining time of an exhausted window.
	SafetyBuffer time.Duration
	// BaseDelay is the pacing unit for windows that still have headroom.
	BaseDelay time.Duration
	// PerCredential keys windows by category and credential index.
	PerCredential bool
}

// DefaultWindows mirrors the documented limits of the remote API.
func DefaultWindows() map[string]Window {
	return map[string]Window{
		harvest.CategoryDefault:  {Capacity: 100, Duration: 15 * time.Minute},
		harvest.CategoryTimeline: {Capacity: 75, Duration: 15 * time.Minute},
		harvest.CategorySearch:   {Capacity: 60, Duration: 15 * time.Minute},
		harvest.CategoryTrends:   {Capacity: 45, Duration: 15 * time.Minute},
	}
}

type window struct {
	capacity    int
	duration    time.Duration
	used        int
	startedAt   time.Time
	hardResetAt time.Time
	exhausted   bool
}

func (w *window) nextReset() time.Time {
	if !w.hardResetAt.IsZero() {
		return w.hardResetAt
	}
	return w.startedAt.Add(w.duration)
}

// roll resets the window when its reset point has passed.
func (w *window) roll(now time.Time) {
	if now.Before(w.nextReset()) {
		return
	}
	w.used = 0
	w.startedAt = now
	w.hardResetAt = time.Time{}
	w.exhausted = false
}

func (w *window) ratio() float64 {
	if w.capacity <= 0 {
		return 1
	}
	return float64(w.used) / float64(w.capacity)
}

// Ledger is the quota book-keeper. It is safe for concurrent use.
type Ledger struct {
	mu           sync.Mutex
	cfg          Config
	clock        harvest.Clock
	windows      map[string]*window
	requestCount int64
}

// New builds a Ledger with one window per configured category.
func New(cfg Config, clock harvest.Clock) (*Ledger, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	categories := DefaultWindows()
	if len(cfg.Categories) > 0 {
		categories = make(map[string]Window, len(cfg.Categories)+1)
		for name, w := range cfg.Categories {
			categories[name] = w
		}
		if _, ok := categories[harvest.CategoryDefault]; !ok {
			categories[harvest.CategoryDefault] = DefaultWindows()[harvest.CategoryDefault]
		}
	}
	cfg.Categories = categories
	for name, w := range cfg.Categories {
		if w.Capacity <= 0 {
			return nil, fmt.Errorf("quota category %q: capacity must be > 0", name)
		}
		if w.Duration <= 0 {
			return nil, fmt.Errorf("quota category %q: window must be > 0", name)
		}
	}
	l := &Ledger{cfg: cfg, clock: clock}
	l.resetLocked()
	return l, nil
}

// Key returns the window key used for category when called with cred.
func (l *Ledger) Key(category string, cred harvest.Credential) string {
	if l.cfg.PerCredential {
		return fmt.Sprintf("%s@%d", category, cred.Index)
	}
	return category
}

// resolve returns the window for key, creating lazily for per-credential keys.
// Unknown categories share the default window.
func (l *Ledger) resolve(key string) (string, *window) {
	if w, ok := l.windows[key]; ok {
		return key, w
	}
	category, suffix, hasSuffix := strings.Cut(key, "@")
	if _, known := l.cfg.Categories[category]; !known {
		category = harvest.CategoryDefault
		key = category
		if hasSuffix {
			key = category + "@" + suffix
		}
		if w, ok := l.windows[key]; ok {
			return key, w
		}
	}
	w := l.newWindow(category)
	l.windows[key] = w
	return key, w
}

func (l *Ledger) newWindow(category string) *window {
	cfg := l.cfg.Categories[category]
	return &window{capacity: cfg.Capacity, duration: cfg.Duration, startedAt: l.clock.Now()}
}

// CanProceed reports whether a call for key fits in the current window.
// An elapsed window is rolled over first.
func (l *Ledger) CanProceed(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, w := l.resolve(key)
	w.roll(l.clock.Now())
	if w.exhausted {
		return false
	}
	return w.used < w.capacity
}

// RecordCall counts an attempted call against key.
func (l *Ledger) RecordCall(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	name, w := l.resolve(key)
	w.roll(l.clock.Now())
	l.recordLocked(name, w)
}

// TryAcquire reserves one call against key if the current window has room.
// The check, rollover and increment happen under one lock, so concurrent
// callers can never push a window past its capacity.
func (l *Ledger) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	name, w := l.resolve(key)
	w.roll(l.clock.Now())
	if w.exhausted || w.used >= w.capacity {
		return false
	}
	l.recordLocked(name, w)
	return true
}

func (l *Ledger) recordLocked(name string, w *window) {
	w.used++
	l.requestCount++
	if w.used >= w.capacity {
		w.exhausted = true
		if w.hardResetAt.IsZero() {
			w.hardResetAt = w.startedAt.Add(w.duration)
		}
	}
	metrics.SetQuotaUsage(name, w.ratio())
}

// ApplyAuthoritativeState replaces the local estimate for key with the state
// reported by the remote service. Applying the same meta twice is a no-op.
func (l *Ledger) ApplyAuthoritativeState(key string, meta harvest.QuotaMeta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	name, w := l.resolve(key)
	if meta.Limit > 0 {
		w.capacity = meta.Limit
	}
	used := w.capacity - meta.Remaining
	switch {
	case used < 0:
		used = 0
	case used > w.capacity:
		used = w.capacity
	}
	w.used = used
	if !meta.ResetAt.IsZero() {
		w.hardResetAt = meta.ResetAt
	}
	w.exhausted = meta.Remaining <= 0
	metrics.SetQuotaUsage(name, w.ratio())
}

// WaitDuration returns how long a caller should wait before the next call
// against key. Exhausted windows wait for their reset plus the safety buffer;
// others get a pacing delay that grows with the usage ratio.
func (l *Ledger) WaitDuration(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, w := l.resolve(key)
	now := l.clock.Now()
	w.roll(now)
	if w.exhausted {
		d := w.nextReset().Sub(now)
		if d < 0 {
			d = 0
		}
		return d + l.cfg.SafetyBuffer
	}
	return PacingDelay(w.ratio(), l.cfg.BaseDelay)
}

// PacingDelay scales base by the usage ratio of a window.
func PacingDelay(ratio float64, base time.Duration) time.Duration {
	switch {
	case ratio > 0.9:
		return 8 * base
	case ratio > 0.8:
		return 5 * base
	case ratio > 0.6:
		return 3 * base
	case ratio > 0.4:
		return 2 * base
	default:
		return base
	}
}

// Reset clears every window and the request counter.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
}

func (l *Ledger) resetLocked() {
	l.windows = make(map[string]*window, len(l.cfg.Categories))
	l.requestCount = 0
	if l.cfg.PerCredential {
		return
	}
	for name := range l.cfg.Categories {
		l.windows[name] = l.newWindow(name)
	}
}

// CategoryStatus is the observable state of one window.
type CategoryStatus struct {
	Key        string    `json:"key"`
	Used       int       `json:"used"`
	Capacity   int       `json:"capacity"`
	Remaining  int       `json:"remaining"`
	UsageRatio float64   `json:"usage_ratio"`
	Exhausted  bool      `json:"exhausted"`
	ResetAt    time.Time `json:"reset_at"`
}

// Snapshot is the global observability view of the ledger.
type Snapshot struct {
	RequestCount int64            `json:"request_count"`
	IsLimited    bool             `json:"is_limited"`
	ResetTime    time.Time        `json:"reset_time,omitzero"`
	Categories   []CategoryStatus `json:"categories"`
}

// Status returns a snapshot of every window. It is never used for gating.
func (l *Ledger) Status() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	snap := Snapshot{RequestCount: l.requestCount, Categories: make([]CategoryStatus, 0, len(l.windows))}
	for key, w := range l.windows {
		w.roll(now)
		remaining := w.capacity - w.used
		if remaining < 0 {
			remaining = 0
		}
		snap.Categories = append(snap.Categories, CategoryStatus{
			Key:        key,
			Used:       w.used,
			Capacity:   w.capacity,
			Remaining:  remaining,
			UsageRatio: w.ratio(),
			Exhausted:  w.exhausted,
			ResetAt:    w.nextReset(),
		})
		if w.exhausted {
			snap.IsLimited = true
			if reset := w.nextReset(); reset.After(snap.ResetTime) {
				snap.ResetTime = reset
			}
		}
	}
	sort.Slice(snap.Categories, func(i, j int) bool {
		return snap.Categories[i].Key < snap.Categories[j].Key
	})
	return snap
}
