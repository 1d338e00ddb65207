package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepository owns the sold counters. Both counter statements are
// single guarded UPDATEs; the WHERE clause carries the capacity check so
// concurrent callers serialize on the row and no snapshot is ever written
// back.
type LedgerRepository struct {
	db db
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{db: db{pool: pool}}
}

func (r *LedgerRepository) GetTicketType(ctx context.Context, id string) (domain.TicketType, error) {
	const query = `
SELECT id, event_id, name, price_cents, currency, max_quantity, sold_count, test_sold_count, status, created_at
FROM ticket_types
WHERE id = $1`

	var tt domain.TicketType
	err := r.db.queryRow(ctx, query, id).Scan(
		&tt.ID, &tt.EventID, &tt.Name, &tt.PriceCents, &tt.Currency,
		&tt.MaxQuantity, &tt.SoldCount, &tt.TestSoldCount, &tt.Status, &tt.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.TicketType{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.TicketType{}, domain.ErrNotFound
		}
		return domain.TicketType{}, fmt.Errorf("get ticket type: %w", err)
	}
	return tt, nil
}

func (r *LedgerRepository) TryDecrement(ctx context.Context, ticketTypeID string, qty int, mode domain.Mode) (int, error) {
	query := `
UPDATE ticket_types
SET sold_count = sold_count + $2
WHERE id = $1
  AND (max_quantity IS NULL OR sold_count + $2 <= max_quantity)
RETURNING sold_count`
	if mode == domain.ModeTest {
		// The test counter is exempt from the cap so test traffic can never
		// block live sales.
		query = `
UPDATE ticket_types
SET test_sold_count = test_sold_count + $2
WHERE id = $1
RETURNING test_sold_count`
	}

	var count int
	err := r.db.queryRow(ctx, query, ticketTypeID, qty).Scan(&count)
	if err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return 0, r.classifyMiss(ctx, ticketTypeID)
		}
		return 0, fmt.Errorf("decrement inventory: %w", err)
	}
	return count, nil
}

// classifyMiss tells a missing row apart from a capacity refusal after a
// guarded update matched nothing.
func (r *LedgerRepository) classifyMiss(ctx context.Context, ticketTypeID string) error {
	var exists bool
	if err := r.db.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ticket_types WHERE id = $1)`, ticketTypeID).Scan(&exists); err != nil {
		return fmt.Errorf("check ticket type: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrCapacityExceeded
}

func (r *LedgerRepository) Increment(ctx context.Context, ticketTypeID string, qty int, mode domain.Mode) (int, error) {
	query := `
UPDATE ticket_types
SET sold_count = GREATEST(sold_count - $2, 0)
WHERE id = $1
RETURNING sold_count`
	if mode == domain.ModeTest {
		query = `
UPDATE ticket_types
SET test_sold_count = GREATEST(test_sold_count - $2, 0)
WHERE id = $1
RETURNING test_sold_count`
	}

	var count int
	err := r.db.queryRow(ctx, query, ticketTypeID, qty).Scan(&count)
	if err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("increment inventory: %w", err)
	}
	return count, nil
}

func (r *LedgerRepository) SumActiveReservations(ctx context.Context, ticketTypeID string, now time.Time) (int, error) {
	const query = `
SELECT COALESCE(SUM(quantity), 0)
FROM reservations
WHERE ticket_type_id = $1 AND status = 'active' AND expires_at > $2`

	var total int
	if err := r.db.queryRow(ctx, query, ticketTypeID, now).Scan(&total); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, fmt.Errorf("sum active reservations: %w", err)
	}
	return total, nil
}
