package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/ticketescrow/internal/circuitbreaker"
	"github.com/mbd888/ticketescrow/internal/metrics"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 8 * time.Second

// Guarded wraps a Provider with a per-call timeout, a per-operation circuit
// breaker, and latency metrics. A call that runs out of time is reported as
// ErrTransient: the request may still complete upstream.
type Guarded struct {
	next    Provider
	timeout time.Duration
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps next. A nil breaker disables circuit breaking.
func NewGuarded(next Provider, timeout time.Duration, breaker *circuitbreaker.Breaker) *Guarded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guarded{next: next, timeout: timeout, breaker: breaker}
}

// BreakerState returns the circuit state for op, for health reporting.
func (g *Guarded) BreakerState(op string) circuitbreaker.State {
	if g.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return g.breaker.State(op)
}

func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()

	run := func() error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		err := fn(cctx)
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTransient) {
			err = fmt.Errorf("%s timed out after %s: %w: %w", op, g.timeout, ErrTransient, err)
		}
		return err
	}

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(op, isProviderFailure, run)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}
	} else {
		err = run()
	}

	metrics.ProviderRequestDuration.WithLabelValues(op, resultLabel(err)).Observe(time.Since(start).Seconds())
	return err
}

// isProviderFailure counts only unknown-outcome errors against the circuit.
func isProviderFailure(err error) bool {
	return errors.Is(err, ErrTransient)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "rejected"
	}
}

func (g *Guarded) Authorize(ctx context.Context, req AuthorizeRequest) (*Intent, error) {
	var out *Intent
	err := g.call(ctx, "authorize", func(ctx context.Context) error {
		var err error
		out, err = g.next.Authorize(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) Retrieve(ctx context.Context, id string) (*Intent, error) {
	var out *Intent
	err := g.call(ctx, "retrieve", func(ctx context.Context) error {
		var err error
		out, err = g.next.Retrieve(ctx, id)
		return err
	})
	return out, err
}

func (g *Guarded) Capture(ctx context.Context, id, idempotencyKey string, amountCents int64) (*Intent, error) {
	var out *Intent
	err := g.call(ctx, "capture", func(ctx context.Context) error {
		var err error
		out, err = g.next.Capture(ctx, id, idempotencyKey, amountCents)
		return err
	})
	return out, err
}

func (g *Guarded) Cancel(ctx context.Context, id, idempotencyKey, reason string) (*Intent, error) {
	var out *Intent
	err := g.call(ctx, "cancel", func(ctx context.Context) error {
		var err error
		out, err = g.next.Cancel(ctx, id, idempotencyKey, reason)
		return err
	})
	return out, err
}

func (g *Guarded) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var out *Transfer
	err := g.call(ctx, "transfer", func(ctx context.Context) error {
		var err error
		out, err = g.next.Transfer(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	return g.call(ctx, "update_metadata", func(ctx context.Context) error {
		return g.next.UpdateMetadata(ctx, id, metadata)
	})
}

var _ Provider = (*Guarded)(nil)
