package ingress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on the processed_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Claim inserts the event id, or takes over a processing claim whose lease
// has expired. Both happen in one statement so two deliveries cannot both
// win.
func (p *PostgresStore) Claim(ctx context.Context, eventID, eventType string, lease time.Duration) (bool, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, status, claimed_at)
		VALUES ($1, $2, 'processing', NOW())
		ON CONFLICT (event_id) DO UPDATE SET claimed_at = NOW()
		WHERE processed_events.status = 'processing'
		  AND processed_events.claimed_at < NOW() - make_interval(secs => $3)
		RETURNING event_id
	`, eventID, eventType, lease.Seconds()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) Complete(ctx context.Context, eventID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE processed_events SET status = 'processed', processed_at = NOW()
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, eventID string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM processed_events WHERE event_id = $1 AND status = 'processing'
	`, eventID)
	if err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

func (p *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM processed_events WHERE COALESCE(processed_at, claimed_at) < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
