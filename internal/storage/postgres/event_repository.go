package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProviderEventRepository stores inbound payment notifications. Dedup is the
// unique index on (provider, provider_event_id), checked atomically by the
// insert itself.
type ProviderEventRepository struct {
	db db
}

func NewProviderEventRepository(pool *pgxpool.Pool) *ProviderEventRepository {
	return &ProviderEventRepository{db: db{pool: pool}}
}

func (r *ProviderEventRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.withTx(ctx, fn)
}

func (r *ProviderEventRepository) Insert(ctx context.Context, event domain.ProviderEvent) error {
	const stmt = `
INSERT INTO provider_events (id, provider, provider_event_id, type, payload, verification, processing, retry_count, last_error, order_id, next_attempt_at, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)`

	_, err := r.db.exec(ctx, stmt,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.Type,
		event.Payload,
		event.Verification,
		event.Processing,
		event.RetryCount,
		event.LastError,
		event.OrderID,
		event.NextAttemptAt,
		event.ReceivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateEvent
		}
		return fmt.Errorf("insert provider event: %w", err)
	}
	return nil
}

func (r *ProviderEventRepository) GetByProviderEventID(ctx context.Context, providerName, providerEventID string) (*domain.ProviderEvent, error) {
	const query = `
SELECT id, provider, provider_event_id, type, payload, verification, processing, retry_count, COALESCE(last_error, ''), order_id, next_attempt_at, received_at
FROM provider_events
WHERE provider = $1 AND provider_event_id = $2`

	event, err := scanProviderEvent(r.db.queryRow(ctx, query, providerName, providerEventID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get provider event: %w", err)
	}
	return &event, nil
}

// MarkVerified revives an event stored with a failed signature after a later
// delivery verifies. Guarded so only an invalid-signature row changes.
func (r *ProviderEventRepository) MarkVerified(ctx context.Context, id string) error {
	const stmt = `
UPDATE provider_events
SET verification = 'verified', processing = 'pending'
WHERE id = $1 AND verification = 'invalid_signature'`

	tag, err := r.db.exec(ctx, stmt, id)
	if err != nil {
		return fmt.Errorf("mark event verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

func (r *ProviderEventRepository) MarkProcessed(ctx context.Context, id string, orderID *string) error {
	const stmt = `
UPDATE provider_events
SET processing = 'processed', order_id = $2, next_attempt_at = NULL
WHERE id = $1 AND processing IN ('pending', 'failed')`

	tag, err := r.db.exec(ctx, stmt, id, orderID)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

func (r *ProviderEventRepository) MarkSkipped(ctx context.Context, id, reason string) error {
	const stmt = `
UPDATE provider_events
SET processing = 'skipped', last_error = NULLIF($2, '')
WHERE id = $1`

	if _, err := r.db.exec(ctx, stmt, id, reason); err != nil {
		return fmt.Errorf("mark event skipped: %w", err)
	}
	return nil
}

func (r *ProviderEventRepository) MarkFailed(ctx context.Context, id string, retryCount int, lastError string, nextAttemptAt *time.Time) error {
	const stmt = `
UPDATE provider_events
SET processing = 'failed', retry_count = $2, last_error = $3, next_attempt_at = $4
WHERE id = $1`

	if _, err := r.db.exec(ctx, stmt, id, retryCount, lastError, nextAttemptAt); err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

func (r *ProviderEventRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ProviderEvent, error) {
	const query = `
SELECT id, provider, provider_event_id, type, payload, verification, processing, retry_count, COALESCE(last_error, ''), order_id, next_attempt_at, received_at
FROM provider_events
WHERE processing = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
ORDER BY next_attempt_at
LIMIT $2`

	rows, err := r.db.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due events: %w", err)
	}
	defer rows.Close()

	var events []domain.ProviderEvent
	for rows.Next() {
		event, err := scanProviderEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider event: %w", err)
		}
		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate provider events: %w", rows.Err())
	}
	return events, nil
}

func scanProviderEvent(row pgx.Row) (domain.ProviderEvent, error) {
	var event domain.ProviderEvent
	err := row.Scan(
		&event.ID,
		&event.Provider,
		&event.ProviderEventID,
		&event.Type,
		&event.Payload,
		&event.Verification,
		&event.Processing,
		&event.RetryCount,
		&event.LastError,
		&event.OrderID,
		&event.NextAttemptAt,
		&event.ReceivedAt,
	)
	return event, err
}
