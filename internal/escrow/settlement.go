package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/ticketescrow/internal/clock"
	"github.com/mbd888/ticketescrow/internal/metrics"
	"github.com/mbd888/ticketescrow/internal/payments"
	"github.com/mbd888/ticketescrow/internal/retry"
	"github.com/mbd888/ticketescrow/internal/traces"
)

// SettlementResult describes what the provider did for a decision.
type SettlementResult struct {
	Decision Decision `json:"decision"`
	// Status is the provider-side terminal state after execution. It differs
	// from the decision's target only together with ErrSettledElsewhere.
	Status        Status   `json:"status"`
	ChargeID      string   `json:"chargeId,omitempty"`
	CapturedCents int64    `json:"capturedCents,omitempty"`
	TransferID    string   `json:"transferId,omitempty"`
	TransferError string   `json:"transferError,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	// Replayed is set when the provider had already applied this decision.
	Replayed bool `json:"replayed,omitempty"`
}

// IdempotencyKey derives the provider key for an order action.
func IdempotencyKey(action, orderID string) string {
	return action + ":" + orderID
}

// Executor sequences provider primitives for a capture or cancel decision.
type Executor struct {
	provider payments.Provider
	clock    clock.Clock
	logger   *slog.Logger
}

// NewExecutor creates a settlement executor.
func NewExecutor(provider payments.Provider, clk clock.Clock, logger *slog.Logger) *Executor {
	return &Executor{provider: provider, clock: clk, logger: logger}
}

// Execute runs decision against the provider for o. o is not modified.
//
// Transient provider errors are returned as-is: the outcome is unknown and
// the caller retries with the same idempotency key. A provider report that
// the hold already reached the other terminal state yields a result with
// that Status and ErrSettledElsewhere.
func (e *Executor) Execute(ctx context.Context, o *Order, decision Decision, cancelReason string) (*SettlementResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle",
		traces.OrderID(o.ID), traces.Decision(string(decision)), traces.AmountCents(o.GrossChargeCents))
	defer span.End()

	var (
		res *SettlementResult
		err error
	)
	switch decision {
	case DecisionCapture:
		res, err = e.capture(ctx, o)
	case DecisionCancel:
		res, err = e.cancel(ctx, o, cancelReason)
	default:
		return nil, fmt.Errorf("settle %s: unsupported decision %q", o.ID, decision)
	}

	metrics.SettlementsTotal.WithLabelValues(string(decision), settlementLabel(res, err)).Inc()
	traces.RecordError(span, err)
	return res, err
}

func (e *Executor) capture(ctx context.Context, o *Order) (*SettlementResult, error) {
	res := &SettlementResult{Decision: DecisionCapture, Status: StatusCaptured}

	intent, err := e.provider.Capture(ctx, o.ID, IdempotencyKey("capture", o.ID), o.GrossChargeCents)
	if errors.Is(err, payments.ErrStateConflict) {
		intent, err = e.resolveConflict(ctx, o, payments.IntentSucceeded, res)
	}
	if err != nil {
		return res, err
	}
	res.ChargeID = intent.ChargeID
	res.CapturedCents = intent.CapturedCents

	e.payout(ctx, o, res)

	md := map[string]string{
		mdEscrowStatus: string(StatusCaptured),
		mdCapturedAt:   e.clock.Now().UTC().Format(time.RFC3339),
	}
	if res.TransferID != "" {
		md[mdTransferID] = res.TransferID
	}
	if res.TransferError != "" {
		md[mdTransferError] = truncate(res.TransferError, 450)
	}
	e.mirror(ctx, o.ID, md, res)
	return res, nil
}

func (e *Executor) cancel(ctx context.Context, o *Order, reason string) (*SettlementResult, error) {
	res := &SettlementResult{Decision: DecisionCancel, Status: StatusCanceled}

	_, err := e.provider.Cancel(ctx, o.ID, IdempotencyKey("cancel", o.ID), reason)
	if errors.Is(err, payments.ErrStateConflict) {
		_, err = e.resolveConflict(ctx, o, payments.IntentCanceled, res)
	}
	if err != nil {
		return res, err
	}

	e.mirror(ctx, o.ID, map[string]string{
		mdEscrowStatus: string(StatusCanceled),
		mdCanceledAt:   e.clock.Now().UTC().Format(time.RFC3339),
	}, res)
	return res, nil
}

// resolveConflict reads the hold after a state conflict. If it already
// reached want, the decision is treated as done (Replayed). If it reached
// the opposite terminal state, res.Status is updated and
// ErrSettledElsewhere returned.
func (e *Executor) resolveConflict(ctx context.Context, o *Order, want payments.IntentStatus, res *SettlementResult) (*payments.Intent, error) {
	intent, err := e.provider.Retrieve(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict for %s: %w", o.ID, err)
	}

	switch intent.Status {
	case want:
		res.Replayed = true
		return intent, nil
	case payments.IntentSucceeded:
		res.Status = StatusCaptured
		res.ChargeID = intent.ChargeID
		res.CapturedCents = intent.CapturedCents
		return intent, ErrSettledElsewhere
	case payments.IntentCanceled:
		res.Status = StatusCanceled
		return intent, ErrSettledElsewhere
	default:
		// Hold not in a settleable state (e.g. buyer never confirmed payment).
		return intent, fmt.Errorf("order %s: provider status %s: %w", o.ID, intent.Status, payments.ErrStateConflict)
	}
}

// payout transfers the frozen seller payout, anchored to the captured
// charge. Failure is recorded on res and never undoes the capture.
func (e *Executor) payout(ctx context.Context, o *Order, res *SettlementResult) {
	if o.SellerPayoutDestination == "" || o.SellerPayoutCents <= 0 {
		return
	}

	var tr *payments.Transfer
	err := retry.DoIf(ctx, 3, 200*time.Millisecond, payments.IsRetryable, func() error {
		var err error
		tr, err = e.provider.Transfer(ctx, payments.TransferRequest{
			AmountCents:    o.SellerPayoutCents,
			Currency:       o.Currency,
			Destination:    o.SellerPayoutDestination,
			SourceChargeID: res.ChargeID,
			TransferGroup:  o.ID,
			IdempotencyKey: IdempotencyKey("transfer", o.ID),
			Metadata:       map[string]string{"order_id": o.ID, mdListingID: o.ListingID},
		})
		return err
	})
	if err != nil {
		metrics.TransferFailuresTotal.Inc()
		res.TransferError = err.Error()
		res.Warnings = append(res.Warnings, "payout transfer failed; capture stands and the transfer must be reconciled")
		e.logger.Error("payout transfer failed after capture",
			"order_id", o.ID, "destination", o.SellerPayoutDestination,
			"amount_cents", o.SellerPayoutCents, "error", err)
		return
	}
	res.TransferID = tr.ID
}

// Payout retries the seller transfer for an order captured earlier. The
// transfer idempotency key makes this safe after a successful transfer.
func (e *Executor) Payout(ctx context.Context, o *Order, chargeID string) *SettlementResult {
	res := &SettlementResult{Decision: DecisionCapture, Status: StatusCaptured, ChargeID: chargeID, Replayed: true}
	e.payout(ctx, o, res)
	return res
}

// mirror writes best-effort metadata; failure only adds a warning.
func (e *Executor) mirror(ctx context.Context, id string, md map[string]string, res *SettlementResult) {
	err := retry.DoIf(ctx, 2, 100*time.Millisecond, payments.IsRetryable, func() error {
		return e.provider.UpdateMetadata(ctx, id, md)
	})
	if err != nil {
		metrics.MirrorFailuresTotal.Inc()
		res.Warnings = append(res.Warnings, "provider metadata mirror not updated")
		e.logger.Warn("metadata mirror update failed", "order_id", id, "error", err)
	}
}

func settlementLabel(res *SettlementResult, err error) string {
	switch {
	case errors.Is(err, ErrSettledElsewhere):
		return "settled_elsewhere"
	case err != nil && payments.IsRetryable(err):
		return "transient"
	case err != nil:
		return "failed"
	case res.TransferError != "":
		return "partial"
	case res.Replayed:
		return "replayed"
	default:
		return "ok"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
