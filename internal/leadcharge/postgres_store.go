package leadcharge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Uniqueness of
// (provider, lead, attempt), of the idempotency key, and of a succeeded
// attempt per lead are all enforced by indexes, not application checks.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed charge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const chargeColumns = `id, provider_id, lead_id, attempt, idempotency_key,
	amount_cents, currency, customer_ref, instrument_ref, status,
	charge_ref, payment_intent_ref, failure_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Charge) error {
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO lead_charge_attempts (`+chargeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL, NULL, $11, $11)
	`,
		c.ID, c.ProviderID, c.LeadID, c.Attempt, c.IdempotencyKey,
		c.AmountCents, c.Currency, c.CustomerRef, c.InstrumentRef, string(c.Status), now,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAttemptExists
	}
	if err != nil {
		return fmt.Errorf("insert lead charge: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Charge, error) {
	c, err := scanCharge(p.db.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM lead_charge_attempts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChargeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead charge: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) Latest(ctx context.Context, providerID, leadID string) (*Charge, error) {
	c, err := scanCharge(p.db.QueryRowContext(ctx, `
		SELECT `+chargeColumns+` FROM lead_charge_attempts
		WHERE provider_id = $1 AND lead_id = $2
		ORDER BY attempt DESC LIMIT 1
	`, providerID, leadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChargeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest lead charge: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) MarkSucceeded(ctx context.Context, id, chargeRef, paymentIntentRef string) error {
	return p.finish(ctx, id, StatusSucceeded, "", chargeRef, paymentIntentRef)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, reason, chargeRef, paymentIntentRef string) error {
	return p.finish(ctx, id, StatusFailed, reason, chargeRef, paymentIntentRef)
}

// finish is a conditional update: only a pending row moves.
func (p *PostgresStore) finish(ctx context.Context, id string, status Status, reason, chargeRef, paymentIntentRef string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE lead_charge_attempts
		SET status = $2, failure_reason = $3, charge_ref = $4, payment_intent_ref = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), nullString(reason), nullString(chargeRef), nullString(paymentIntentRef))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		// another attempt for this lead already succeeded
		return ErrNotPending
	}
	if err != nil {
		return fmt.Errorf("finish lead charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish lead charge: %w", err)
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Charge, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.list(ctx, `
		SELECT `+chargeColumns+` FROM lead_charge_attempts
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2
	`, olderThan, limit)
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Charge, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.list(ctx, `
		SELECT `+chargeColumns+` FROM lead_charge_attempts
		WHERE provider_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, providerID, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Charge, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lead charges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCharge(row scanner) (*Charge, error) {
	var (
		c      Charge
		status string
	)
	var chargeRef, intentRef, reason sql.NullString
	err := row.Scan(
		&c.ID, &c.ProviderID, &c.LeadID, &c.Attempt, &c.IdempotencyKey,
		&c.AmountCents, &c.Currency, &c.CustomerRef, &c.InstrumentRef, &status,
		&chargeRef, &intentRef, &reason, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.ChargeRef = chargeRef.String
	c.PaymentIntentRef = intentRef.String
	c.FailureReason = reason.String
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
