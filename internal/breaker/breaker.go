// Package breaker tracks recent provider failures per credential and per provider and
// blocks calls for a cooldown period once a failure threshold is crossed.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultThreshold = 5
	DefaultWindow    = 60 * time.Second
	DefaultCooldown  = 120 * time.Second
)

// anyCredential is the key suffix of the provider-wide aggregate circuit.
const anyCredential = "any"

// Config holds the breaker thresholds.
type Config struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

type circuit struct {
	failures  []time.Time
	openUntil time.Time
}

// Snapshot is a copy of one circuit's state.
type Snapshot struct {
	Failures  int
	OpenUntil time.Time
}

// Breaker keeps one circuit per provider:credential pair plus one aggregate circuit per provider.
// It never returns errors and is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a Breaker. Zero config fields take the defaults.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// WithClock replaces the time source used by IsOpen. Intended for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func circuitKey(provider, credentialID string) string {
	if credentialID == "" {
		credentialID = anyCredential
	}
	return provider + ":" + credentialID
}

func (b *Breaker) keys(provider, credentialID string) []string {
	agg := circuitKey(provider, "")
	if credentialID == "" || credentialID == anyCredential {
		return []string{agg}
	}
	return []string{agg, circuitKey(provider, credentialID)}
}

// IsOpen reports whether calls for the credential are blocked, either by its own circuit
// or by the provider-wide one.
func (b *Breaker) IsOpen(provider, credentialID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, k := range b.keys(provider, credentialID) {
		c, ok := b.circuits[k]
		if ok && now.Before(c.openUntil) {
			return true
		}
	}
	return false
}

// RecordFailure registers a failure at the given instant on both circuits.
func (b *Breaker) RecordFailure(provider, credentialID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := at.Add(-b.cfg.Window)
	for _, k := range b.keys(provider, credentialID) {
		c, ok := b.circuits[k]
		if !ok {
			c = &circuit{}
			b.circuits[k] = c
		}

		kept := c.failures[:0]
		for _, f := range c.failures {
			if f.After(cutoff) {
				kept = append(kept, f)
			}
		}
		c.failures = append(kept, at)

		if len(c.failures) >= b.cfg.Threshold {
			c.openUntil = at.Add(b.cfg.Cooldown)
			slog.Warn("circuit opened",
				"circuit", k,
				"failures", len(c.failures),
				"open_until", c.openUntil,
			)
		}
	}
}

// RecordSuccess clears both circuits for the credential.
func (b *Breaker) RecordSuccess(provider, credentialID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, k := range b.keys(provider, credentialID) {
		delete(b.circuits, k)
	}
}

// State returns a copy of the circuit for the pair. An empty credentialID selects the aggregate.
func (b *Breaker) State(provider, credentialID string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[circuitKey(provider, credentialID)]
	if !ok {
		return Snapshot{}
	}
	return Snapshot{Failures: len(c.failures), OpenUntil: c.openUntil}
}
