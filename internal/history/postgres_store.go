package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sweepline/billing/internal/idgen"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, provider_id, source, charge_ref, payment_intent_ref,
	customer_ref, lead_id, amount_cents, currency, created_at`

func (p *PostgresStore) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.PrefixHistory)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_history (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (charge_ref) WHERE charge_ref IS NOT NULL DO NOTHING
	`,
		e.ID, e.ProviderID, string(e.Source), nullString(e.ChargeRef), nullString(e.PaymentIntentRef),
		nullString(e.CustomerRef), nullString(e.LeadID), e.AmountCents, e.Currency, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record payment history: %w", err)
	}
	return nil
}

func (p *PostgresStore) FindByChargeRef(ctx context.Context, chargeRef string) (*Entry, error) {
	return p.findOne(ctx, `SELECT `+entryColumns+` FROM payment_history WHERE charge_ref = $1`, chargeRef)
}

func (p *PostgresStore) FindByPaymentIntentRef(ctx context.Context, paymentIntentRef string) (*Entry, error) {
	return p.findOne(ctx, `SELECT `+entryColumns+` FROM payment_history
		WHERE payment_intent_ref = $1 ORDER BY created_at ASC LIMIT 1`, paymentIntentRef)
}

func (p *PostgresStore) findOne(ctx context.Context, query, ref string) (*Entry, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	e, err := scanEntry(p.db.QueryRowContext(ctx, query, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment history: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM payment_history
		WHERE provider_id = $1 ORDER BY created_at DESC LIMIT $2
	`, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payment history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e      Entry
		source string
	)
	var charge, intent, customer, leadID sql.NullString
	if err := row.Scan(&e.ID, &e.ProviderID, &source, &charge, &intent,
		&customer, &leadID, &e.AmountCents, &e.Currency, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Source = Source(source)
	e.ChargeRef = charge.String
	e.PaymentIntentRef = intent.String
	e.CustomerRef = customer.String
	e.LeadID = leadID.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
