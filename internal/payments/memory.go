package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/ticketescrow/internal/idgen"
)

// MemoryProvider is an in-process Provider for demo mode and tests. It
// models the parts of the processor the escrow relies on: state checks on
// capture/cancel, idempotent replays per key, and call counting.
type MemoryProvider struct {
	mu        sync.Mutex
	intents   map[string]*Intent
	replays   map[string]interface{} // idempotency key -> previous result
	transfers []Transfer
	failures  map[string][]error
	latency   time.Duration
	calls     map[string]int
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		intents:  make(map[string]*Intent),
		replays:  make(map[string]interface{}),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext queues err to be returned by the next call to op
// ("authorize", "capture", "cancel", "transfer", "retrieve", "update_metadata").
func (m *MemoryProvider) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// SetLatency delays every call by d, honouring context cancellation.
func (m *MemoryProvider) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns how many times op reached the provider, including replays
// and injected failures.
func (m *MemoryProvider) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Transfers returns the executed transfers in order.
func (m *MemoryProvider) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// Force sets the provider-side status directly, simulating an action taken
// outside this service (dashboard capture, expired authorization).
func (m *MemoryProvider) Force(id string, status IntentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.intents[id]; ok {
		in.Status = status
		if status == IntentSucceeded && in.ChargeID == "" {
			in.ChargeID = idgen.WithPrefix("ch_")
			in.CapturedCents = in.AmountCents
		}
	}
}

// begin records the call, waits out configured latency, and pops an
// injected failure. Called without m.mu held.
func (m *MemoryProvider) begin(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	latency := m.latency
	var injected error
	if q := m.failures[op]; len(q) > 0 {
		injected = q[0]
		m.failures[op] = q[1:]
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return fmt.Errorf("memory %s: %w: %w", op, ErrTransient, ctx.Err())
		}
	}
	return injected
}

func (m *MemoryProvider) Authorize(ctx context.Context, req AuthorizeRequest) (*Intent, error) {
	if err := m.begin(ctx, "authorize"); err != nil {
		return nil, err
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("memory authorize: %w: amount must be positive", ErrRejected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.IdempotencyKey != "" {
		if prev, ok := m.replays["authorize:"+req.IdempotencyKey].(*Intent); ok {
			return copyIntent(prev), nil
		}
	}

	status := IntentRequiresPaymentMethod
	if req.PaymentMethod != "" {
		status = IntentRequiresCapture
	}
	in := &Intent{
		ID:           idgen.WithPrefix("pi_"),
		Status:       status,
		AmountCents:  req.AmountCents,
		Currency:     req.Currency,
		Metadata:     copyMetadata(req.Metadata),
		ClientSecret: idgen.WithPrefix("secret_"),
	}
	m.intents[in.ID] = in
	if req.IdempotencyKey != "" {
		m.replays["authorize:"+req.IdempotencyKey] = copyIntent(in)
	}
	return copyIntent(in), nil
}

func (m *MemoryProvider) Retrieve(ctx context.Context, id string) (*Intent, error) {
	if err := m.begin(ctx, "retrieve"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("memory retrieve %s: %w", id, ErrNotFound)
	}
	return copyIntent(in), nil
}

func (m *MemoryProvider) Capture(ctx context.Context, id, idempotencyKey string, amountCents int64) (*Intent, error) {
	if err := m.begin(ctx, "capture"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.replays["capture:"+idempotencyKey].(*Intent); ok {
		return copyIntent(prev), nil
	}
	in, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("memory capture %s: %w", id, ErrNotFound)
	}
	if in.Status != IntentRequiresCapture {
		return nil, fmt.Errorf("memory capture %s (status %s): %w", id, in.Status, ErrStateConflict)
	}
	if amountCents <= 0 || amountCents > in.AmountCents {
		amountCents = in.AmountCents
	}
	in.Status = IntentSucceeded
	in.CapturedCents = amountCents
	in.ChargeID = idgen.WithPrefix("ch_")

	out := copyIntent(in)
	m.replays["capture:"+idempotencyKey] = out
	return copyIntent(out), nil
}

func (m *MemoryProvider) Cancel(ctx context.Context, id, idempotencyKey, reason string) (*Intent, error) {
	if err := m.begin(ctx, "cancel"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.replays["cancel:"+idempotencyKey].(*Intent); ok {
		return copyIntent(prev), nil
	}
	in, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("memory cancel %s: %w", id, ErrNotFound)
	}
	if in.Status != IntentRequiresCapture && in.Status != IntentRequiresPaymentMethod {
		return nil, fmt.Errorf("memory cancel %s (status %s): %w", id, in.Status, ErrStateConflict)
	}
	in.Status = IntentCanceled

	out := copyIntent(in)
	m.replays["cancel:"+idempotencyKey] = out
	return copyIntent(out), nil
}

func (m *MemoryProvider) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if err := m.begin(ctx, "transfer"); err != nil {
		return nil, err
	}
	if req.AmountCents <= 0 || req.Destination == "" {
		return nil, fmt.Errorf("memory transfer: %w: amount and destination required", ErrRejected)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.replays["transfer:"+req.IdempotencyKey].(*Transfer); ok {
		cp := *prev
		return &cp, nil
	}
	tr := &Transfer{
		ID:          idgen.WithPrefix("tr_"),
		AmountCents: req.AmountCents,
		Destination: req.Destination,
	}
	m.transfers = append(m.transfers, *tr)
	m.replays["transfer:"+req.IdempotencyKey] = tr
	cp := *tr
	return &cp, nil
}

func (m *MemoryProvider) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	if err := m.begin(ctx, "update_metadata"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("memory update %s: %w", id, ErrNotFound)
	}
	if in.Metadata == nil {
		in.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		in.Metadata[k] = v
	}
	return nil
}

func copyIntent(in *Intent) *Intent {
	cp := *in
	cp.Metadata = copyMetadata(in.Metadata)
	return &cp
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

var _ Provider = (*MemoryProvider)(nil)
