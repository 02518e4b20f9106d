// Package ratelimit implements the global, provider-scoped admission counter that
// caps how many submissions reach the inference provider per window.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/candypixel/internal/cache"
)

const (
	DefaultCeiling = 60
	DefaultWindow  = 60 * time.Second
)

// ErrRateLimited is returned when the provider's window budget is spent.
var ErrRateLimited = errors.New("ai rate limit exceeded")

// Limiter admits or rejects one outbound provider call.
type Limiter interface {
	Admit(ctx context.Context, provider string) error
}

type window struct {
	start time.Time
	count int
}

// Window is a fixed-window counter per provider held in process memory.
type Window struct {
	ceiling int
	length  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewWindow creates an in-process limiter. Non-positive values fall back to the defaults.
func NewWindow(ceiling int, length time.Duration) *Window {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if length <= 0 {
		length = DefaultWindow
	}
	return &Window{
		ceiling: ceiling,
		length:  length,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Window) WithClock(now func() time.Time) *Window {
	l.now = now
	return l
}

// Admit resets the window when it has elapsed, then checks and increments under one lock.
func (l *Window) Admit(_ context.Context, provider string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[provider]
	if !ok {
		w = &window{start: now}
		l.windows[provider] = w
	}
	if now.Sub(w.start) > l.length {
		w.start = now
		w.count = 0
	}
	if w.count >= l.ceiling {
		slog.Warn("ai rate limit exceeded", "provider", provider, "count", w.count, "ceiling", l.ceiling)
		return ErrRateLimited
	}
	w.count++
	return nil
}

// Shared keeps the window counter in a cache so every server process spends one budget.
type Shared struct {
	cache   cache.Cache
	ceiling int
	length  time.Duration
	now     func() time.Time
}

// NewShared creates a cache-backed limiter.
func NewShared(c cache.Cache, ceiling int, length time.Duration) *Shared {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if length <= 0 {
		length = DefaultWindow
	}
	return &Shared{cache: c, ceiling: ceiling, length: length, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (l *Shared) WithClock(now func() time.Time) *Shared {
	l.now = now
	return l
}

// Admit counts the call in the current window. A cache failure lets the call through.
func (l *Shared) Admit(ctx context.Context, provider string) error {
	key := cache.ProviderWindowKey(provider, l.length, l.now())
	count, err := l.cache.IncrWithExpiry(ctx, key, 2*l.length)
	if err != nil {
		slog.Warn("ai rate limit counter unavailable, admitting call", "provider", provider, "error", err)
		return nil
	}
	if count > int64(l.ceiling) {
		slog.Warn("ai rate limit exceeded", "provider", provider, "count", count, "ceiling", l.ceiling)
		return ErrRateLimited
	}
	return nil
}

var (
	_ Limiter = (*Window)(nil)
	_ Limiter = (*Shared)(nil)
)
