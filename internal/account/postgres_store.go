package account

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

// PostgresStore implements Store backed by PostgreSQL. The schema lives in
// migrations/00001_provider_accounts.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, tier, payment_customer_ref, lead_credits_used,
	payment_failure_count, grace_period_end, subscription_status,
	dispute_count, dispute_status, version, created_at, updated_at,
	last_payment_succeeded_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	normalize(a)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12)
	`,
		a.ID, string(a.Tier), nullString(a.PaymentCustomerRef), a.LeadCreditsUsed,
		a.PaymentFailures, nullTime(a.GracePeriodEnd), string(a.SubscriptionStatus),
		a.DisputeCount, string(a.DisputeStatus), a.CreatedAt, a.UpdatedAt,
		nullTime(a.LastPaymentAt),
	)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("insert provider account: %w", err)
	}
	a.Version = 0
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM provider_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider account: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) GetByCustomerRef(ctx context.Context, customerRef string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM provider_accounts WHERE payment_customer_ref = $1`, customerRef)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider account by customer: %w", err)
	}
	return a, nil
}

// Transition locks the row with SELECT ... FOR UPDATE, applies fn and
// writes the result back in the same transaction.
func (p *PostgresStore) Transition(ctx context.Context, id string, fn TransitionFunc) (*Account, error) {
	return p.transition(ctx, id, "", fn)
}

// TransitionEvent inserts eventID into account_applied_events inside the
// transition's transaction. The primary key rejects a second insert, and a
// rolled-back transition leaves no record.
func (p *PostgresStore) TransitionEvent(ctx context.Context, id, eventID string, fn TransitionFunc) (*Account, error) {
	if eventID == "" {
		return nil, errors.New("transition event: empty event id")
	}
	return p.transition(ctx, id, eventID, fn)
}

func (p *PostgresStore) transition(ctx context.Context, id, eventID string, fn TransitionFunc) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM provider_accounts WHERE id = $1 FOR UPDATE`, id)
	current, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock provider account: %w", err)
	}

	if eventID != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO account_applied_events (event_id, provider_id)
			VALUES ($1, $2)
			ON CONFLICT (event_id) DO NOTHING
		`, eventID, id)
		if err != nil {
			return nil, fmt.Errorf("record applied event: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("record applied event: %w", err)
		} else if n == 0 {
			return current, ErrEventApplied
		}
	}

	next := current.clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			if eventID != "" {
				if err := tx.Commit(); err != nil {
					return nil, fmt.Errorf("commit applied event: %w", err)
				}
			}
			return current, nil
		}
		return nil, err
	}
	if err := checkTransition(current, next); err != nil {
		return nil, err
	}

	next.UpdatedAt = time.Now().UTC()
	err = tx.QueryRowContext(ctx, `
		UPDATE provider_accounts SET
			tier = $2,
			payment_customer_ref = $3,
			lead_credits_used = $4,
			payment_failure_count = $5,
			grace_period_end = $6,
			subscription_status = $7,
			dispute_count = $8,
			dispute_status = $9,
			version = version + 1,
			updated_at = $10,
			last_payment_succeeded_at = $11
		WHERE id = $1
		RETURNING version
	`,
		id, string(next.Tier), nullString(next.PaymentCustomerRef), next.LeadCreditsUsed,
		next.PaymentFailures, nullTime(next.GracePeriodEnd), string(next.SubscriptionStatus),
		next.DisputeCount, string(next.DisputeStatus), next.UpdatedAt,
		nullTime(next.LastPaymentAt),
	).Scan(&next.Version)
	if isUniqueViolation(err) {
		return nil, ErrAccountExists
	}
	if err != nil {
		return nil, fmt.Errorf("update provider account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit provider account: %w", err)
	}
	return next, nil
}

func (p *PostgresStore) ResetLeadCredits(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE provider_accounts
		SET lead_credits_used = 0, version = version + 1, updated_at = NOW()
		WHERE lead_credits_used > 0
	`)
	if err != nil {
		return 0, fmt.Errorf("reset lead credits: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) PruneAppliedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM account_applied_events WHERE applied_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune applied events: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		a           Account
		tier        string
		customerRef sql.NullString
		grace       sql.NullTime
		lastPayment sql.NullTime
		subStatus   string
		dispStatus  string
	)
	err := row.Scan(
		&a.ID, &tier, &customerRef, &a.LeadCreditsUsed,
		&a.PaymentFailures, &grace, &subStatus,
		&a.DisputeCount, &dispStatus, &a.Version, &a.CreatedAt, &a.UpdatedAt,
		&lastPayment,
	)
	if err != nil {
		return nil, err
	}
	a.Tier = Tier(tier)
	a.PaymentCustomerRef = customerRef.String
	if grace.Valid {
		t := grace.Time.UTC()
		a.GracePeriodEnd = &t
	}
	if lastPayment.Valid {
		t := lastPayment.Time.UTC()
		a.LastPaymentAt = &t
	}
	a.SubscriptionStatus = SubscriptionStatus(subStatus)
	a.DisputeStatus = DisputeStatus(dispStatus)
	return &a, nil
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
