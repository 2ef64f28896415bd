package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/ticketescrow/internal/metrics"
	"github.com/mbd888/ticketescrow/internal/pagination"
	"github.com/mbd888/ticketescrow/internal/payments"
)

// ErrSweepInProgress is returned when a sweep is requested while another is
// still running in this process.
var ErrSweepInProgress = errors.New("release sweep already in progress")

// SweepReport summarizes one pass of the release scheduler.
type SweepReport struct {
	Checked   int      `json:"checked"`
	Due       int      `json:"due"`
	Captured  int      `json:"captured"`
	Canceled  int      `json:"canceled"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
	Truncated bool     `json:"truncated"`
	Duration  string   `json:"duration"`
}

// Timer sweeps awaiting orders and settles the ones past their deadline.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	maxOps   int
	pageSize int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool
}

// NewTimer creates a release scheduler. maxOps bounds the settlements per
// sweep; pageSize is the listing batch size.
func NewTimer(service *Service, store Store, interval time.Duration, maxOps, pageSize int, logger *slog.Logger) *Timer {
	if maxOps <= 0 {
		maxOps = 200
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		maxOps:   maxOps,
		pageSize: pageSize,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in release timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.Sweep(ctx, 0); err != nil && !errors.Is(err, ErrSweepInProgress) {
		t.logger.Warn("release sweep failed", "error", err)
	}
}

// Sweep pages through authorized and on_hold orders and applies
// auto_release or auto_cancel to every order past its deadline, up to maxOps
// settlements (0 means the timer default). Orders that another actor settled
// in the meantime are counted as skipped. Running it again is harmless.
func (t *Timer) Sweep(ctx context.Context, maxOps int) (*SweepReport, error) {
	if !t.sweeping.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer t.sweeping.Store(false)

	if maxOps <= 0 || maxOps > t.maxOps {
		maxOps = t.maxOps
	}
	start := time.Now()
	report := &SweepReport{}
	defer func() {
		elapsed := time.Since(start)
		report.Duration = elapsed.String()
		metrics.SweepDuration.Observe(elapsed.Seconds())
	}()

	var cursor *pagination.Cursor
	for {
		page, err := t.store.ListAwaiting(ctx, cursor, t.pageSize)
		if err != nil {
			return report, fmt.Errorf("list awaiting orders: %w", err)
		}

		for _, o := range page {
			report.Checked++
			if !t.service.Due(o, t.service.clock.Now()) {
				continue
			}
			if report.Due >= maxOps {
				report.Truncated = true
				break
			}
			report.Due++
			t.settle(ctx, o, report)
		}
		if report.Truncated || len(page) < t.pageSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		last := page[len(page)-1]
		cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	t.logger.Info("release sweep finished",
		"checked", report.Checked, "due", report.Due,
		"captured", report.Captured, "canceled", report.Canceled,
		"skipped", report.Skipped, "errors", len(report.Errors),
		"truncated", report.Truncated)
	return report, nil
}

func (t *Timer) settle(ctx context.Context, o *Order, report *SweepReport) {
	res, action, err := t.service.Expire(ctx, o.ID)
	switch {
	case err == nil && res.Already:
		report.Skipped++
		metrics.SweepOrdersTotal.WithLabelValues("skipped").Inc()
	case err == nil && res.Order.Status == StatusCaptured:
		report.Captured++
		metrics.SweepOrdersTotal.WithLabelValues("captured").Inc()
	case err == nil && res.Order.Status == StatusCanceled:
		report.Canceled++
		metrics.SweepOrdersTotal.WithLabelValues("canceled").Inc()
	case err == nil:
		report.Skipped++
		metrics.SweepOrdersTotal.WithLabelValues("skipped").Inc()
	case benignSweepError(err):
		// Buyer confirmed, disputed or canceled between the listing and the lock.
		report.Skipped++
		metrics.SweepOrdersTotal.WithLabelValues("skipped").Inc()
		t.logger.Debug("order changed before expiry", "order_id", o.ID, "action", action, "error", err)
	default:
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", o.ID, err))
		metrics.SweepOrdersTotal.WithLabelValues("error").Inc()
		t.logger.Warn("failed to settle expired order", "order_id", o.ID, "action", action, "error", err)
	}
}

func benignSweepError(err error) bool {
	var se *StateError
	return errors.As(err, &se) ||
		errors.Is(err, ErrSettledElsewhere) ||
		errors.Is(err, payments.ErrStateConflict) ||
		errors.Is(err, ErrOrderNotFound)
}
