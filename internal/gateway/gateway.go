// Package gateway is the single admission point for outbound provider calls. It combines
// the global rate limiter and the circuit breaker behind one Guard call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/candypixel/internal/breaker"
	"github.com/kiranshivaraju/candypixel/internal/credentials"
	"github.com/kiranshivaraju/candypixel/internal/ratelimit"
)

// ErrBusy is the user-facing transient rejection. Callers should retry later.
var ErrBusy = errors.New("AI service busy, please retry later")

var (
	ErrRateLimited = fmt.Errorf("%w: global rate limit reached", ErrBusy)
	ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrBusy)
)

// CallKind distinguishes the admission rules per call.
type CallKind int

const (
	// CallSubmit consumes a rate-limit slot and respects the breaker.
	CallSubmit CallKind = iota
	// CallStatus only respects the breaker.
	CallStatus
)

func (k CallKind) String() string {
	switch k {
	case CallSubmit:
		return "submit"
	case CallStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Gateway admits calls and relays outcomes to the breaker.
type Gateway struct {
	limiter ratelimit.Limiter
	breaker *breaker.Breaker
	now     func() time.Time
}

// New creates a Gateway.
func New(limiter ratelimit.Limiter, b *breaker.Breaker) *Gateway {
	return &Gateway{limiter: limiter, breaker: b, now: time.Now}
}

// WithClock replaces the time source used to stamp failures. Intended for tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Guard returns nil when the call may proceed.
func (g *Gateway) Guard(ctx context.Context, provider string, cred credentials.Credential, kind CallKind) error {
	if kind == CallSubmit {
		if err := g.limiter.Admit(ctx, provider); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return ErrRateLimited
			}
			return fmt.Errorf("admitting %s call: %w", kind, err)
		}
	}

	if g.breaker.IsOpen(provider, cred.ID) {
		slog.Warn("provider call blocked by open circuit",
			"provider", provider,
			"credential_id", cred.ID,
			"call", kind.String(),
		)
		return ErrCircuitOpen
	}
	return nil
}

// Succeeded closes the circuits for the credential.
func (g *Gateway) Succeeded(provider string, cred credentials.Credential) {
	g.breaker.RecordSuccess(provider, cred.ID)
}

// Failed records a failure for the credential at the current time.
func (g *Gateway) Failed(provider string, cred credentials.Credential) {
	g.breaker.RecordFailure(provider, cred.ID, g.now())
}
