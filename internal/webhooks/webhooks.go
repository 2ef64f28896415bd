// Package webhooks reconciles escrow orders with asynchronous payment
// provider events.
//
// Deliveries are at-least-once and unordered. Every event is verified
// against the endpoint secret before anything is read from it, and every
// handler is idempotent: replaying an event leaves the order unchanged.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/ticketescrow/internal/escrow"
	"github.com/mbd888/ticketescrow/internal/metrics"
	"github.com/mbd888/ticketescrow/internal/payments"
	"github.com/mbd888/ticketescrow/internal/traces"
)

// Provider event types the reconciler acts on.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventAmountCapturable  = "payment_intent.amount_capturable_updated"
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventPaymentCanceled   = "payment_intent.canceled"
)

// Outcomes recorded per event.
const (
	ResultProcessed = "processed"
	ResultUnchanged = "unchanged"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultConflict  = "conflict"
	ResultError     = "error"
)

// OrderSyncer is the slice of the escrow service the reconciler drives.
type OrderSyncer interface {
	EnsureDeadline(ctx context.Context, id string, authorizedAt time.Time) (*escrow.Order, bool, error)
	SyncProviderStatus(ctx context.Context, id string, status escrow.Status, chargeID string) (*escrow.Order, bool, error)
	Rebuild(ctx context.Context, intent *payments.Intent) (*escrow.Order, bool, error)
}

// IntentReader fetches an authorization when the event carries only its id.
type IntentReader interface {
	Retrieve(ctx context.Context, id string) (*payments.Intent, error)
}

// Reconciler applies verified provider events to orders.
type Reconciler struct {
	orders  OrderSyncer
	intents IntentReader
	ledger  Ledger
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(orders OrderSyncer, intents IntentReader, ledger Ledger, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		orders:  orders,
		intents: intents,
		ledger:  ledger,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Handle processes one verified event and returns its outcome. Events seen
// before short-circuit as duplicates. Errors are returned for logging; the
// delivery is acknowledged either way.
func (r *Reconciler) Handle(ctx context.Context, event *stripe.Event) (string, error) {
	eventType := string(event.Type)
	ctx, span := traces.StartSpan(ctx, "webhooks.reconcile", traces.EventType(eventType))
	defer span.End()

	seen, err := r.ledger.Seen(ctx, event.ID)
	if err != nil {
		// Reprocessing is safe; the ledger only saves work.
		r.logger.Warn("webhook ledger lookup failed", "event_id", event.ID, "error", err)
	}
	if seen {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, ResultDuplicate).Inc()
		return ResultDuplicate, nil
	}

	orderID, result, err := r.dispatch(ctx, event)
	traces.RecordError(span, err)
	metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()

	if result != ResultError {
		rec := &Record{
			EventID:    event.ID,
			EventType:  eventType,
			OrderID:    orderID,
			Result:     result,
			ReceivedAt: r.nowFunc(),
		}
		if lerr := r.ledger.Record(ctx, rec); lerr != nil {
			r.logger.Warn("failed to record webhook event", "event_id", event.ID, "error", lerr)
		}
	}
	return result, err
}

func (r *Reconciler) dispatch(ctx context.Context, event *stripe.Event) (string, string, error) {
	switch string(event.Type) {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return "", ResultError, fmt.Errorf("decode checkout session: %w", err)
		}
		if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
			return "", ResultIgnored, nil
		}
		id := sess.PaymentIntent.ID
		result, err := r.ensureDeadline(ctx, id, eventTime(event), func() (*payments.Intent, error) {
			return r.intents.Retrieve(ctx, id)
		})
		return id, result, err

	case EventAmountCapturable:
		pi, err := decodeIntent(event)
		if err != nil {
			return "", ResultError, err
		}
		result, err := r.ensureDeadline(ctx, pi.ID, eventTime(event), func() (*payments.Intent, error) {
			return payments.IntentFromStripe(pi), nil
		})
		return pi.ID, result, err

	case EventPaymentSucceeded:
		pi, err := decodeIntent(event)
		if err != nil {
			return "", ResultError, err
		}
		chargeID := ""
		if pi.LatestCharge != nil {
			chargeID = pi.LatestCharge.ID
		}
		result, err := r.syncStatus(ctx, pi, escrow.StatusCaptured, chargeID)
		return pi.ID, result, err

	case EventPaymentCanceled:
		pi, err := decodeIntent(event)
		if err != nil {
			return "", ResultError, err
		}
		result, err := r.syncStatus(ctx, pi, escrow.StatusCanceled, "")
		return pi.ID, result, err
	}

	return "", ResultIgnored, nil
}

// ensureDeadline sets the confirm deadline once, rebuilding the order from
// the provider mirror if it never reached storage.
func (r *Reconciler) ensureDeadline(ctx context.Context, id string, authorizedAt time.Time, load func() (*payments.Intent, error)) (string, error) {
	_, changed, err := r.orders.EnsureDeadline(ctx, id, authorizedAt)
	if errors.Is(err, escrow.ErrOrderNotFound) {
		if err := r.rebuild(ctx, id, load); err != nil {
			return ResultError, err
		}
		_, changed, err = r.orders.EnsureDeadline(ctx, id, authorizedAt)
	}
	if err != nil {
		return ResultError, fmt.Errorf("ensure deadline for %s: %w", id, err)
	}
	if !changed {
		return ResultUnchanged, nil
	}
	return ResultProcessed, nil
}

func (r *Reconciler) syncStatus(ctx context.Context, pi *stripe.PaymentIntent, status escrow.Status, chargeID string) (string, error) {
	_, changed, err := r.orders.SyncProviderStatus(ctx, pi.ID, status, chargeID)
	if errors.Is(err, escrow.ErrOrderNotFound) {
		if err := r.rebuild(ctx, pi.ID, func() (*payments.Intent, error) {
			return payments.IntentFromStripe(pi), nil
		}); err != nil {
			return ResultError, err
		}
		_, changed, err = r.orders.SyncProviderStatus(ctx, pi.ID, status, chargeID)
	}

	var se *escrow.StateError
	switch {
	case errors.As(err, &se):
		r.logger.Error("provider event contradicts order state",
			"order_id", pi.ID, "order_status", se.Status, "provider_status", status)
		return ResultConflict, nil
	case err != nil:
		return ResultError, fmt.Errorf("sync %s to %s: %w", pi.ID, status, err)
	case !changed:
		return ResultUnchanged, nil
	}
	return ResultProcessed, nil
}

func (r *Reconciler) rebuild(ctx context.Context, id string, load func() (*payments.Intent, error)) error {
	intent, err := load()
	if err != nil {
		return fmt.Errorf("load intent %s: %w", id, err)
	}
	if _, _, err := r.orders.Rebuild(ctx, intent); err != nil {
		return fmt.Errorf("rebuild order %s: %w", id, err)
	}
	r.logger.Warn("order missing from storage, rebuilt from provider metadata", "order_id", id)
	return nil
}

func decodeIntent(event *stripe.Event) (*stripe.PaymentIntent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	if pi.ID == "" {
		return nil, errors.New("decode payment intent: missing id")
	}
	return &pi, nil
}

func eventTime(event *stripe.Event) time.Time {
	if event.Created == 0 {
		return time.Time{}
	}
	return time.Unix(event.Created, 0).UTC()
}
