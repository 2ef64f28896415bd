package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/ticketescrow/internal/clock"
	"github.com/mbd888/ticketescrow/internal/fees"
	"github.com/mbd888/ticketescrow/internal/inventory"
	"github.com/mbd888/ticketescrow/internal/logging"
	"github.com/mbd888/ticketescrow/internal/metrics"
	"github.com/mbd888/ticketescrow/internal/pagination"
	"github.com/mbd888/ticketescrow/internal/payments"
	"github.com/mbd888/ticketescrow/internal/retry"
	"github.com/mbd888/ticketescrow/internal/syncutil"
	"github.com/mbd888/ticketescrow/internal/traces"
)

// Listings is the inventory collaborator.
type Listings interface {
	Get(ctx context.Context, id string) (*inventory.Listing, error)
	DecrementOnce(ctx context.Context, orderID, listingID string, quantity int) (*inventory.DecrementResult, error)
}

// EventPublisher receives order lifecycle events (realtime stream).
type EventPublisher interface {
	PublishOrderEvent(eventType string, o *Order)
}

// Order event types.
const (
	EventAuthorized = "order.authorized"
	EventOnHold     = "order.on_hold"
	EventSent       = "order.sent"
	EventCaptured   = "order.captured"
	EventCanceled   = "order.canceled"
)

// AuthorizeRequest contains the parameters for placing an order.
type AuthorizeRequest struct {
	ListingID string `json:"listingId"`
	Quantity  int    `json:"quantity"`
	// PaymentMethod confirms the hold immediately when set.
	PaymentMethod  string `json:"paymentMethod"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// AuthorizeResult is returned by Authorize.
type AuthorizeResult struct {
	Order        *Order         `json:"order"`
	Fees         fees.Breakdown `json:"fees"`
	ClientSecret string         `json:"clientSecret,omitempty"`
}

// Result is returned by every transition.
type Result struct {
	Order    *Order   `json:"order"`
	Already  bool     `json:"already"`
	Warnings []string `json:"warnings,omitempty"`
}

// Service implements the escrow state machine over a Store and a payment
// provider.
type Service struct {
	store    Store
	listings Listings
	provider payments.Provider
	executor *Executor
	fees     fees.Config
	policy   Policy
	clock    clock.Clock
	events   EventPublisher
	logger   *slog.Logger
	locks    *syncutil.ContextShardedMutex // in-process writer discipline per order
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithEvents adds an event publisher.
func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new escrow service.
func NewService(store Store, listings Listings, provider payments.Provider, feeCfg fees.Config, policy Policy, opts ...Option) *Service {
	s := &Service{
		store:    store,
		listings: listings,
		provider: provider,
		fees:     feeCfg,
		policy:   policy,
		clock:    clock.NewSystem(),
		logger:   slog.Default(),
		locks:    syncutil.NewContextShardedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.EscrowWindow <= 0 {
		s.policy.EscrowWindow = DefaultEscrowWindow
	}
	if s.policy.Currency == "" {
		s.policy.Currency = "usd"
	}
	s.executor = NewExecutor(provider, s.clock, s.logger)
	return s
}

// Policy returns the escrow policy in effect.
func (s *Service) Policy() Policy { return s.policy }

// Authorize validates the order, places a hold for the gross charge, and
// persists the order with frozen fees. Validation failures happen before
// any provider call.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if req.ListingID == "" {
		return nil, s.rejected("missing_listing", ErrMissingListing)
	}
	if req.Quantity <= 0 || (s.policy.MaxQuantity > 0 && req.Quantity > s.policy.MaxQuantity) {
		return nil, s.rejected("quantity", fmt.Errorf("%w: %d (max %d)", ErrInvalidQuantity, req.Quantity, s.policy.MaxQuantity))
	}

	listing, err := s.listings.Get(ctx, req.ListingID)
	if err != nil {
		if errors.Is(err, inventory.ErrListingNotFound) {
			return nil, s.rejected("listing_not_found", err)
		}
		return nil, fmt.Errorf("load listing: %w", err)
	}
	if listing.Remaining < req.Quantity {
		return nil, s.rejected("inventory", fmt.Errorf("%w: %d requested, %d left", ErrInsufficientInventory, req.Quantity, listing.Remaining))
	}
	if err := fees.CheckPriceCap(listing.UnitPriceCents, listing.FaceValueCents, s.fees); err != nil {
		return nil, s.rejected("price_cap", err)
	}
	breakdown, err := fees.Compute(listing.UnitPriceCents, req.Quantity, s.fees)
	if err != nil {
		return nil, s.rejected("fees", err)
	}
	if breakdown.Clamped {
		s.logger.Warn("platform take clamped below gross charge",
			"listing_id", listing.ID, "gross_cents", breakdown.GrossChargeCents)
	}

	currency := listing.Currency
	if currency == "" {
		currency = s.policy.Currency
	}
	now := s.clock.Now()
	o := &Order{
		ListingID:               listing.ID,
		Quantity:                req.Quantity,
		UnitPriceCents:          listing.UnitPriceCents,
		FaceValueCents:          clonePtr(listing.FaceValueCents),
		Currency:                currency,
		BuyerFeeCents:           breakdown.BuyerFeeCents,
		SellerFeeCents:          breakdown.SellerFeeCents,
		PlatformTakeCents:       breakdown.PlatformTakeCents,
		GrossChargeCents:        breakdown.GrossChargeCents,
		SellerPayoutCents:       breakdown.SellerPayoutCents,
		SellerPayoutDestination: listing.SellerDestination,
		Status:                  StatusAuthorized,
		CreatedAt:               now,
		LastTransitionAt:        now,
	}

	authReq := payments.AuthorizeRequest{
		AmountCents:   o.GrossChargeCents,
		Currency:      currency,
		PaymentMethod: req.PaymentMethod,
		Metadata:      mirrorMetadata(o),
	}
	if req.IdempotencyKey != "" {
		authReq.IdempotencyKey = IdempotencyKey("authorize", req.IdempotencyKey)
	}
	spanCtx, span := traces.StartSpan(ctx, "escrow.authorize",
		traces.ListingID(o.ListingID), traces.AmountCents(o.GrossChargeCents))
	intent, err := s.provider.Authorize(spanCtx, authReq)
	traces.RecordError(span, err)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("authorize hold: %w", err)
	}
	o.ID = intent.ID
	if intent.Status == payments.IntentRequiresCapture {
		deadline := now.Add(s.policy.EscrowWindow)
		o.ConfirmDeadline = &deadline
	}

	if err := s.store.Create(ctx, o); err != nil {
		if errors.Is(err, ErrOrderExists) {
			// Replayed idempotency key: the provider returned the same hold.
			existing, gerr := s.store.Get(ctx, o.ID)
			if gerr != nil {
				return nil, gerr
			}
			return &AuthorizeResult{Order: existing, Fees: existing.Fees(), ClientSecret: intent.ClientSecret}, nil
		}
		// Best-effort void so the buyer's funds are not held for an order
		// nobody can see.
		if _, cerr := s.provider.Cancel(ctx, o.ID, IdempotencyKey("cancel", o.ID), payments.ReasonAbandoned); cerr != nil {
			s.logger.Error("failed to void hold after order persist failure",
				"order_id", o.ID, "error", cerr)
		}
		return nil, fmt.Errorf("failed to create order record: %w", err)
	}

	if o.ConfirmDeadline != nil {
		s.mirrorDeadline(ctx, o)
	}

	metrics.OrdersAuthorizedTotal.Inc()
	metrics.TransitionsTotal.WithLabelValues("authorize", "applied").Inc()
	s.publish(EventAuthorized, o)
	logging.L(ctx).Info("order authorized",
		"order_id", o.ID, "listing_id", o.ListingID, "quantity", o.Quantity,
		"gross_cents", o.GrossChargeCents, "hold_confirmed", o.ConfirmDeadline != nil)

	return &AuthorizeResult{Order: o, Fees: breakdown, ClientSecret: intent.ClientSecret}, nil
}

// ReportIssue puts an authorized order on hold.
func (s *Service) ReportIssue(ctx context.Context, id, reason string) (*Result, error) {
	return s.transition(ctx, id, func(*Order) Action { return ActionReportIssue }, func(o *Order) {
		o.IssueReason = reason
	})
}

// ConfirmReceipt captures the hold and pays the seller.
func (s *Service) ConfirmReceipt(ctx context.Context, id string) (*Result, error) {
	return s.transition(ctx, id, func(*Order) Action { return ActionConfirmReceipt }, nil)
}

// BuyerCancel voids the hold before the seller has sent the tickets.
func (s *Service) BuyerCancel(ctx context.Context, id string) (*Result, error) {
	return s.transition(ctx, id, func(*Order) Action { return ActionBuyerCancel }, nil)
}

// MarkSent records that the seller sent the tickets.
func (s *Service) MarkSent(ctx context.Context, id string) (*Result, error) {
	return s.transition(ctx, id, func(*Order) Action { return ActionMarkSent }, nil)
}

// AutoRelease captures an authorized order past its deadline.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Result, error) {
	return s.transition(ctx, id, func(*Order) Action { return ActionAutoRelease }, nil)
}

// AutoCancel voids an on_hold order past its deadline.
func (s *Service) AutoCancel(ctx context.Context, id string) (*Result, error) {
	return s.transition(ctx, id, func(*Order) Action { return ActionAutoCancel }, nil)
}

// Due reports whether the scheduler should act on o: its deadline has passed,
// or its hold was never confirmed within the abandonment cutoff.
func (s *Service) Due(o *Order, now time.Time) bool {
	return o.PastDeadline(now) || o.Abandoned(now, s.policy.AbandonAfter)
}

// Expire applies the scheduler's action to a due order, choosing
// auto_release, auto_cancel or abandon from the state read under the lock.
// An abandoned hold the provider reports as confirmed gets its deadline
// instead of being voided.
func (s *Service) Expire(ctx context.Context, id string) (*Result, Action, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if o.Abandoned(s.clock.Now(), s.policy.AbandonAfter) {
		intent, err := s.provider.Retrieve(ctx, id)
		if err != nil {
			return nil, ActionAbandon, fmt.Errorf("check abandoned hold: %w", err)
		}
		if intent.Status == payments.IntentRequiresCapture {
			saved, _, err := s.EnsureDeadline(ctx, id, s.clock.Now())
			if err != nil {
				return nil, ActionAbandon, err
			}
			return &Result{Order: saved}, ActionAbandon, nil
		}
	}

	var chosen Action
	res, err := s.transition(ctx, id, func(o *Order) Action {
		chosen = ExpiryAction(o)
		if o.ConfirmDeadline == nil && o.Abandoned(s.clock.Now(), s.policy.AbandonAfter) {
			chosen = ActionAbandon
		}
		return chosen
	}, nil)
	return res, chosen, err
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByListing pages through a listing's orders.
func (s *Service) ListByListing(ctx context.Context, listingID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByListing(ctx, listingID, after, limit)
}

// transition is the single path for buyer, seller and scheduler actions:
// lock, re-read, plan, execute the financial side effect, persist.
func (s *Service) transition(ctx context.Context, id string, choose func(*Order) Action, mutate func(*Order)) (*Result, error) {
	ctx = logging.WithOrderID(ctx, id)
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("wait for order lock: %w", err)
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	action := choose(o)
	now := s.clock.Now()
	step, err := Plan(o, action, now)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(action), "rejected").Inc()
		return nil, err
	}
	if step.Already {
		metrics.TransitionsTotal.WithLabelValues(string(action), "already").Inc()
		res := &Result{Order: o, Already: true}
		if o.NeedsPayout() {
			s.payout(ctx, o)
			if o.TransferError != "" {
				res.Warnings = append(res.Warnings, "seller payout failed; will retry")
			}
		}
		return res, nil
	}

	res := &Result{Order: o}
	var settlement *SettlementResult
	if step.Decision != DecisionNone {
		settlement, err = s.executor.Execute(ctx, o, step.Decision, cancelReason(action))
		if errors.Is(err, ErrSettledElsewhere) {
			metrics.TransitionsTotal.WithLabelValues(string(action), "conflict").Inc()
			return nil, s.adoptProviderState(ctx, o, settlement)
		}
		if errors.Is(err, payments.ErrStateConflict) {
			metrics.TransitionsTotal.WithLabelValues(string(action), "conflict").Inc()
			return nil, &StateError{Err: err, Status: o.Status}
		}
		if err != nil {
			metrics.TransitionsTotal.WithLabelValues(string(action), "failed").Inc()
			return nil, err
		}
		res.Warnings = append(res.Warnings, settlement.Warnings...)
	}

	apply := func(target *Order) {
		if target.IsTerminal() {
			return
		}
		if mutate != nil {
			mutate(target)
		}
		target.accept(step, now)
		if settlement != nil {
			recordSettlement(target, settlement)
		}
	}

	saved, err := s.persist(ctx, o, apply)
	if err != nil {
		if settlement == nil {
			metrics.TransitionsTotal.WithLabelValues(string(action), "failed").Inc()
			return nil, err
		}
		// The provider action is committed and is the source of truth; a
		// later sweep or webhook replays into the same state.
		logging.L(ctx).Error("order state not persisted after settlement",
			"action", action, "decision", step.Decision, "error", err)
		res.Warnings = append(res.Warnings, "order state not persisted; will reconcile")
		apply(o)
		saved = o
	}
	res.Order = saved

	metrics.TransitionsTotal.WithLabelValues(string(action), "applied").Inc()
	if saved.Status == StatusCaptured {
		res.Warnings = append(res.Warnings, s.notifyInventory(ctx, saved)...)
	}
	if saved.IsTerminal() {
		metrics.EscrowDuration.WithLabelValues(string(saved.Status)).Observe(now.Sub(saved.CreatedAt).Seconds())
	}
	s.publish(eventFor(action, saved), saved)
	logging.L(ctx).Info("order transition applied",
		"action", action, "status", saved.Status, "warnings", len(res.Warnings))

	return res, nil
}

// persist writes o after apply, retrying optimistic-lock conflicts against
// a fresh copy.
func (s *Service) persist(ctx context.Context, o *Order, apply func(*Order)) (*Order, error) {
	current := o.clone()
	apply(current)

	err := retry.Do(ctx, 3, 25*time.Millisecond, func() error {
		err := s.store.Update(ctx, current)
		if errors.Is(err, ErrConcurrentUpdate) {
			fresh, gerr := s.store.Get(ctx, o.ID)
			if gerr != nil {
				return gerr
			}
			apply(fresh)
			current = fresh
		}
		if errors.Is(err, ErrOrderNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return current, nil
}

// adoptProviderState records a terminal state the provider reached through
// another actor and reports it to the caller as a precondition failure.
func (s *Service) adoptProviderState(ctx context.Context, o *Order, settlement *SettlementResult) error {
	now := s.clock.Now()
	saved, err := s.persist(ctx, o, func(target *Order) {
		if target.acceptProvider(settlement.Status, now) && settlement.ChargeID != "" {
			target.ChargeID = settlement.ChargeID
		}
	})
	if err != nil {
		logging.L(ctx).Error("failed to record provider state", "status", settlement.Status, "error", err)
		return &StateError{Err: ErrSettledElsewhere, Status: settlement.Status}
	}
	if saved.NeedsPayout() {
		s.payout(ctx, saved)
	}
	if saved.Status == StatusCaptured {
		s.notifyInventory(ctx, saved)
	}
	s.publish(eventFor("", saved), saved)
	logging.L(ctx).Warn("order settled by another actor", "status", saved.Status)
	return &StateError{Err: ErrSettledElsewhere, Status: saved.Status}
}

// EnsureDeadline sets the confirm deadline from the authorization time if the
// order has none. An existing deadline is never changed. Returns whether a
// deadline was set.
func (s *Service) EnsureDeadline(ctx context.Context, id string, authorizedAt time.Time) (*Order, bool, error) {
	ctx = logging.WithOrderID(ctx, id)
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if o.ConfirmDeadline != nil || o.IsTerminal() {
		return o, false, nil
	}
	if authorizedAt.IsZero() {
		authorizedAt = s.clock.Now()
	}

	changed := false
	saved, err := s.persist(ctx, o, func(target *Order) {
		if target.ConfirmDeadline == nil && !target.IsTerminal() {
			deadline := authorizedAt.Add(s.policy.EscrowWindow)
			target.ConfirmDeadline = &deadline
			changed = true
		}
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.mirrorDeadline(ctx, saved)
		logging.L(ctx).Info("confirm deadline set", "deadline", saved.ConfirmDeadline)
	}
	return saved, changed, nil
}

// SyncProviderStatus records a terminal state reported by the provider
// (webhook). Returns whether the order changed. A report contradicting a
// local terminal state is a *StateError.
func (s *Service) SyncProviderStatus(ctx context.Context, id string, status Status, chargeID string) (*Order, bool, error) {
	ctx = logging.WithOrderID(ctx, id)
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if o.Status == status {
		if o.NeedsPayout() {
			s.payout(ctx, o)
		}
		return o, false, nil
	}
	if o.IsTerminal() {
		logging.L(ctx).Error("provider reports a state contradicting local terminal state",
			"local", o.Status, "provider", status)
		return o, false, &StateError{Err: ErrInvalidStatus, Status: o.Status}
	}

	now := s.clock.Now()
	saved, err := s.persist(ctx, o, func(target *Order) {
		if target.acceptProvider(status, now) && chargeID != "" {
			target.ChargeID = chargeID
		}
	})
	if err != nil {
		return nil, false, err
	}

	if saved.Status == StatusCaptured {
		if saved.NeedsPayout() {
			s.payout(ctx, saved)
		}
		s.notifyInventory(ctx, saved)
	}
	if saved.IsTerminal() {
		metrics.EscrowDuration.WithLabelValues(string(saved.Status)).Observe(now.Sub(saved.CreatedAt).Seconds())
	}
	s.publish(eventFor("", saved), saved)
	logging.L(ctx).Info("order synchronized from provider", "status", saved.Status)
	return saved, true, nil
}

// Rebuild recreates an authorized order from the provider's metadata mirror.
// It is a no-op if the order already exists. A terminal provider status is
// applied afterwards through SyncProviderStatus so payout and inventory run.
func (s *Service) Rebuild(ctx context.Context, intent *payments.Intent) (*Order, bool, error) {
	o, err := OrderFromIntent(intent)
	if err != nil {
		return nil, false, err
	}
	if o.Currency == "" {
		o.Currency = s.policy.Currency
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.clock.Now()
		o.LastTransitionAt = o.CreatedAt
	}
	if err := s.store.Create(ctx, o); err != nil {
		if errors.Is(err, ErrOrderExists) {
			existing, gerr := s.store.Get(ctx, o.ID)
			return existing, false, gerr
		}
		return nil, false, err
	}
	metrics.TransitionsTotal.WithLabelValues("rebuild", "applied").Inc()
	logging.L(ctx).Warn("order rebuilt from provider metadata", "order_id", o.ID, "status", o.Status)
	return o, true, nil
}

// payout issues (or replays) the seller transfer for a captured order and
// records the outcome.
func (s *Service) payout(ctx context.Context, o *Order) {
	settlement := s.executor.Payout(ctx, o, o.ChargeID)
	if settlement.TransferID == "" && settlement.TransferError == "" {
		return
	}
	saved, err := s.persist(ctx, o, func(target *Order) {
		target.TransferID = settlement.TransferID
		target.TransferError = settlement.TransferError
	})
	if err != nil {
		logging.L(ctx).Error("failed to record payout", "transfer_id", settlement.TransferID, "error", err)
		return
	}
	*o = *saved
}

// notifyInventory decrements seats once per captured order. Failures are
// returned as warnings.
func (s *Service) notifyInventory(ctx context.Context, o *Order) []string {
	res, err := s.listings.DecrementOnce(ctx, o.ID, o.ListingID, o.Quantity)
	if err != nil {
		metrics.InventoryDecrementsTotal.WithLabelValues("failed").Inc()
		logging.L(ctx).Warn("inventory decrement failed", "listing_id", o.ListingID, "error", err)
		return []string{"inventory not updated"}
	}
	if !res.Applied {
		metrics.InventoryDecrementsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	metrics.InventoryDecrementsTotal.WithLabelValues("applied").Inc()
	logging.L(ctx).Info("inventory decremented", "listing_id", o.ListingID, "remaining", res.Remaining)
	return nil
}

func (s *Service) mirrorDeadline(ctx context.Context, o *Order) {
	err := s.provider.UpdateMetadata(ctx, o.ID, map[string]string{
		mdConfirmDeadline: o.ConfirmDeadline.UTC().Format(time.RFC3339),
	})
	if err != nil {
		metrics.MirrorFailuresTotal.Inc()
		logging.L(ctx).Warn("failed to mirror confirm deadline", "order_id", o.ID, "error", err)
	}
}

func (s *Service) rejected(reason string, err error) error {
	metrics.OrdersRejectedTotal.WithLabelValues(reason).Inc()
	return err
}

func (s *Service) publish(eventType string, o *Order) {
	if s.events != nil && eventType != "" {
		s.events.PublishOrderEvent(eventType, o.clone())
	}
}

func recordSettlement(o *Order, r *SettlementResult) {
	if r.ChargeID != "" {
		o.ChargeID = r.ChargeID
	}
	if r.TransferID != "" {
		o.TransferID = r.TransferID
		o.TransferError = ""
	} else if r.TransferError != "" {
		o.TransferError = r.TransferError
	}
}

func cancelReason(a Action) string {
	if a == ActionBuyerCancel {
		return payments.ReasonRequestedByCustomer
	}
	return payments.ReasonAbandoned
}

func eventFor(a Action, o *Order) string {
	if a == ActionMarkSent {
		return EventSent
	}
	switch o.Status {
	case StatusOnHold:
		return EventOnHold
	case StatusCaptured:
		return EventCaptured
	case StatusCanceled:
		return EventCanceled
	}
	return ""
}
