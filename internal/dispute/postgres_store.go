package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, dispute_ref, provider_id, charge_ref, payment_intent_ref,
	customer_ref, amount_cents, currency, reason, status, evidence_due_by,
	applied, opened_at, closed_at, updated_at`

// CreateIfAbsent relies on the unique dispute_ref: the loser of a race
// inserts nothing and reads the winner's row.
func (p *PostgresStore) CreateIfAbsent(ctx context.Context, d *Dispute) (*Dispute, bool, error) {
	now := time.Now().UTC()
	if d.OpenedAt.IsZero() {
		d.OpenedAt = now
	}
	d.UpdatedAt = now

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL, $14)
		ON CONFLICT (dispute_ref) DO NOTHING
	`,
		d.ID, d.DisputeRef, nullString(d.ProviderID), nullString(d.ChargeRef), nullString(d.PaymentIntentRef),
		nullString(d.CustomerRef), d.AmountCents, d.Currency, nullString(d.Reason), string(d.Status),
		nullTime(d.EvidenceDueBy), d.Applied, d.OpenedAt, d.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert dispute: %w", err)
	}
	stored, err := p.Get(ctx, d.DisputeRef)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (p *PostgresStore) Get(ctx context.Context, disputeRef string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE dispute_ref = $1`, disputeRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) Attribute(ctx context.Context, disputeRef, providerID string) (bool, error) {
	return p.conditional(ctx, disputeRef, `
		UPDATE disputes SET provider_id = $2, updated_at = NOW()
		WHERE dispute_ref = $1 AND provider_id IS NULL
	`, disputeRef, providerID)
}

func (p *PostgresStore) SetApplied(ctx context.Context, disputeRef string, applied bool) (bool, error) {
	return p.conditional(ctx, disputeRef, `
		UPDATE disputes SET applied = $2, updated_at = NOW()
		WHERE dispute_ref = $1 AND applied <> $2
	`, disputeRef, applied)
}

func (p *PostgresStore) Close(ctx context.Context, disputeRef string, status Status, at time.Time) (*Dispute, bool, error) {
	changed, err := p.conditional(ctx, disputeRef, `
		UPDATE disputes SET status = $2, closed_at = $3, updated_at = $3
		WHERE dispute_ref = $1 AND status = 'open'
	`, disputeRef, string(status), at.UTC())
	if err != nil {
		return nil, false, err
	}
	d, err := p.Get(ctx, disputeRef)
	if err != nil {
		return nil, false, err
	}
	return d, changed, nil
}

// conditional runs a guarded UPDATE and distinguishes "guard failed" from
// "no such dispute".
func (p *PostgresStore) conditional(ctx context.Context, disputeRef, query string, args ...interface{}) (bool, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update dispute: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM disputes WHERE dispute_ref = $1)`, disputeRef).Scan(&exists); err != nil {
		return false, fmt.Errorf("check dispute: %w", err)
	}
	if !exists {
		return false, ErrDisputeNotFound
	}
	return false, nil
}

func (p *PostgresStore) CountOpenByProvider(ctx context.Context, providerID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM disputes WHERE provider_id = $1 AND status = 'open'
	`, providerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open disputes: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.list(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE provider_id = $1 ORDER BY opened_at DESC LIMIT $2
	`, providerID, limit)
}

func (p *PostgresStore) ListUnattributed(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.list(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE provider_id IS NULL ORDER BY opened_at DESC LIMIT $1
	`, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(row scanner) (*Dispute, error) {
	var (
		d      Dispute
		status string
	)
	var providerID, chargeRef, intentRef, customerRef, reason sql.NullString
	var dueBy, closedAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.DisputeRef, &providerID, &chargeRef, &intentRef,
		&customerRef, &d.AmountCents, &d.Currency, &reason, &status, &dueBy,
		&d.Applied, &d.OpenedAt, &closedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ProviderID = providerID.String
	d.ChargeRef = chargeRef.String
	d.PaymentIntentRef = intentRef.String
	d.CustomerRef = customerRef.String
	d.Reason = reason.String
	d.Status = Status(status)
	if dueBy.Valid {
		t := dueBy.Time.UTC()
		d.EvidenceDueBy = &t
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		d.ResolvedAt = &t
	}
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
