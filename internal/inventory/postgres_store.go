package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists listings and the processed-order ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_destination, unit_price_cents, face_value_cents,
		       currency, remaining, created_at, updated_at
		FROM listings WHERE id = $1`, id)

	l := &Listing{}
	var (
		destination sql.NullString
		faceValue   sql.NullInt64
	)
	err := row.Scan(&l.ID, &destination, &l.UnitPriceCents, &faceValue,
		&l.Currency, &l.Remaining, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	l.SellerDestination = destination.String
	if faceValue.Valid {
		v := faceValue.Int64
		l.FaceValueCents = &v
	}
	return l, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, l *Listing) error {
	if err := l.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, seller_destination, unit_price_cents, face_value_cents,
			currency, remaining, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			seller_destination = EXCLUDED.seller_destination,
			unit_price_cents   = EXCLUDED.unit_price_cents,
			face_value_cents   = EXCLUDED.face_value_cents,
			currency           = EXCLUDED.currency,
			remaining          = EXCLUDED.remaining,
			updated_at         = EXCLUDED.updated_at`,
		l.ID, nullString(l.SellerDestination), l.UnitPriceCents, nullInt64(l.FaceValueCents),
		l.Currency, l.Remaining, now,
	)
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// DecrementOnce claims orderID in processed_orders and decrements the
// listing in the same transaction, so a crash cannot leave one without the
// other.
func (p *PostgresStore) DecrementOnce(ctx context.Context, orderID, listingID string, quantity int) (*DecrementResult, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_orders (order_id, listing_id, quantity, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, listingID, quantity, now)
	if err != nil {
		return nil, fmt.Errorf("claim order: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	var remaining int
	if claimed == 0 {
		err = tx.QueryRowContext(ctx, `SELECT remaining FROM listings WHERE id = $1`, listingID).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read remaining: %w", err)
		}
		return &DecrementResult{Applied: false, Remaining: remaining}, nil
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE listings
		SET remaining = GREATEST(remaining - $2, 0), updated_at = $3
		WHERE id = $1
		RETURNING remaining`,
		listingID, quantity, now).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("decrement listing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit decrement: %w", err)
	}
	return &DecrementResult{Applied: true, Remaining: remaining}, nil
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
