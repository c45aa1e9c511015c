// Package ratelimit implements fixed-window admission control for the
// unauthenticated device check-in path, keyed by hashed device id.
//
// State is per-process and ephemeral: losing it on restart only softens
// throttling, it is not a security boundary. The backing map is bounded and
// evicted both by recency (at capacity) and by an absolute per-entry TTL
// (background sweep), so memory stays capped under device churn.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Config controls window size, admission quota, and memory bounds.
type Config struct {
	// Window is the fixed admission window (default 60s).
	Window time.Duration
	// Limit is the number of admissions allowed per key per window (default 6).
	Limit int
	// MaxEntries caps the number of tracked keys (default 5000).
	MaxEntries int
	// TTL is the absolute lifetime of an entry regardless of window state
	// (default 1h).
	TTL time.Duration
	// CleanupInterval is how often expired entries are swept (default 5m).
	CleanupInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Limit <= 0 {
		c.Limit = 6
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 5000
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

type entry struct {
	count       int
	windowStart time.Time
	createdAt   time.Time
	lastSeen    time.Time
}

// Limiter is a concurrency-safe fixed-window rate limiter.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	cfg      Config
	logger   *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a limiter and starts its background sweep.
func New(cfg Config, logger *slog.Logger) *Limiter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		entries:  make(map[string]*entry),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ratelimit")),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	go l.sweep()

	return l
}

// Admit records one admission attempt for key and reports whether it is
// allowed. The first attempt of a fresh window always succeeds and resets the
// counter to 1; within a window the Limit-th attempt succeeds and the next is
// denied.
func (l *Limiter) Admit(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= l.cfg.MaxEntries {
			l.evictOldestLocked()
		}
		l.entries[key] = &entry{count: 1, windowStart: now, createdAt: now, lastSeen: now}
		return true
	}

	e.lastSeen = now

	if now.Sub(e.windowStart) >= l.cfg.Window {
		e.count = 1
		e.windowStart = now
		return true
	}

	e.count++
	return e.count <= l.cfg.Limit
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

// evictOldestLocked drops the least recently seen entry. Caller holds mu.
func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldestSeen time.Time
	for key, e := range l.entries {
		if oldestKey == "" || e.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = e.lastSeen
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

// sweep removes entries older than the absolute TTL until Close is called.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeExpired()
		case <-l.stopChan:
			return
		}
	}
}

func (l *Limiter) removeExpired() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.createdAt) >= l.cfg.TTL {
			delete(l.entries, key)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("expired rate limit entries removed",
			slog.Int("removed", removed),
			slog.Int("remaining", len(l.entries)))
	}
}
