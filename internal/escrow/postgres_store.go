package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/ticketescrow/internal/pagination"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, listing_id, quantity, unit_price_cents, face_value_cents, currency,
			buyer_fee_cents, seller_fee_cents, platform_take_cents,
			gross_charge_cents, seller_payout_cents, seller_payout_destination,
			status, sent, sent_at, issue_reason, confirm_deadline,
			captured_at, canceled_at, charge_id, transfer_id, transfer_error,
			resolution, created_at, last_transition_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24, $25, 1
		)`,
		o.ID, o.ListingID, o.Quantity, o.UnitPriceCents, nullInt64(o.FaceValueCents), o.Currency,
		o.BuyerFeeCents, o.SellerFeeCents, o.PlatformTakeCents,
		o.GrossChargeCents, o.SellerPayoutCents, nullString(o.SellerPayoutDestination),
		string(o.Status), o.Sent, nullTime(o.SentAt), nullString(o.IssueReason), nullTime(o.ConfirmDeadline),
		nullTime(o.CapturedAt), nullTime(o.CanceledAt), nullString(o.ChargeID), nullString(o.TransferID), nullString(o.TransferError),
		nullString(o.Resolution), o.CreatedAt, o.LastTransitionAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOrderExists
		}
		return err
	}
	o.Version = 1
	return nil
}

const orderColumns = `id, listing_id, quantity, unit_price_cents, face_value_cents, currency,
		       buyer_fee_cents, seller_fee_cents, platform_take_cents,
		       gross_charge_cents, seller_payout_cents, seller_payout_destination,
		       status, sent, sent_at, issue_reason, confirm_deadline,
		       captured_at, canceled_at, charge_id, transfer_id, transfer_error,
		       resolution, created_at, last_transition_at, version`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// Update writes the mutable columns if the stored version still matches.
// A confirm deadline, once set, is kept.
func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, sent = $2, sent_at = $3, issue_reason = $4,
			confirm_deadline = COALESCE(confirm_deadline, $5),
			captured_at = $6, canceled_at = $7, charge_id = $8,
			transfer_id = $9, transfer_error = $10, resolution = $11,
			last_transition_at = $12, version = version + 1
		WHERE id = $13 AND version = $14`,
		string(o.Status), o.Sent, nullTime(o.SentAt), nullString(o.IssueReason),
		nullTime(o.ConfirmDeadline),
		nullTime(o.CapturedAt), nullTime(o.CanceledAt), nullString(o.ChargeID),
		nullString(o.TransferID), nullString(o.TransferError), nullString(o.Resolution),
		o.LastTransitionAt,
		o.ID, o.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConcurrentUpdate
	}
	o.Version++
	return nil
}

func (p *PostgresStore) ListAwaiting(ctx context.Context, after *pagination.Cursor, limit int) ([]*Order, error) {
	awaiting := pq.Array([]string{string(StatusAuthorized), string(StatusOnHold)})
	if after == nil {
		return p.query(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE status = ANY($1)
			ORDER BY created_at, id
			LIMIT $2`, awaiting, limit)
	}
	return p.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = ANY($1)
		  AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`, awaiting, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	if after == nil {
		return p.query(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE listing_id = $1
			ORDER BY created_at, id
			LIMIT $2`, listingID, limit)
	}
	return p.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE listing_id = $1
		  AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4`, listingID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		faceValue     sql.NullInt64
		destination   sql.NullString
		status        string
		sentAt        sql.NullTime
		issueReason   sql.NullString
		deadline      sql.NullTime
		capturedAt    sql.NullTime
		canceledAt    sql.NullTime
		chargeID      sql.NullString
		transferID    sql.NullString
		transferError sql.NullString
		resolution    sql.NullString
	)

	err := s.Scan(
		&o.ID, &o.ListingID, &o.Quantity, &o.UnitPriceCents, &faceValue, &o.Currency,
		&o.BuyerFeeCents, &o.SellerFeeCents, &o.PlatformTakeCents,
		&o.GrossChargeCents, &o.SellerPayoutCents, &destination,
		&status, &o.Sent, &sentAt, &issueReason, &deadline,
		&capturedAt, &canceledAt, &chargeID, &transferID, &transferError,
		&resolution, &o.CreatedAt, &o.LastTransitionAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.SellerPayoutDestination = destination.String
	o.IssueReason = issueReason.String
	o.ChargeID = chargeID.String
	o.TransferID = transferID.String
	o.TransferError = transferError.String
	o.Resolution = resolution.String
	if faceValue.Valid {
		o.FaceValueCents = &faceValue.Int64
	}
	o.SentAt = timePtr(sentAt)
	o.ConfirmDeadline = timePtr(deadline)
	o.CapturedAt = timePtr(capturedAt)
	o.CanceledAt = timePtr(canceledAt)

	return o, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
