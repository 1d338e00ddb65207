package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReservationRepository struct {
	db db
}

func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{db: db{pool: pool}}
}

func (r *ReservationRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.withTx(ctx, fn)
}

func (r *ReservationRepository) GetTicketTypeForUpdate(ctx context.Context, ticketTypeID string) (domain.TicketType, error) {
	const query = `
SELECT id, event_id, name, price_cents, currency, max_quantity, sold_count, test_sold_count, status, created_at
FROM ticket_types
WHERE id = $1
FOR UPDATE`

	var tt domain.TicketType
	err := r.db.queryRow(ctx, query, ticketTypeID).Scan(
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
		return domain.TicketType{}, fmt.Errorf("get ticket type for update: %w", err)
	}
	return tt, nil
}

func (r *ReservationRepository) FindActiveBySession(ctx context.Context, ticketTypeID, sessionID string, now time.Time) (*domain.Reservation, error) {
	const query = `
SELECT id, ticket_type_id, session_id, quantity, status, expires_at, order_id, created_at
FROM reservations
WHERE ticket_type_id = $1 AND session_id = $2 AND status = 'active' AND expires_at > $3`

	reservation, err := scanReservation(r.db.queryRow(ctx, query, ticketTypeID, sessionID, now))
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find reservation by session: %w", err)
	}
	return &reservation, nil
}

func (r *ReservationRepository) SumActive(ctx context.Context, ticketTypeID string, now time.Time) (int, error) {
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

func (r *ReservationRepository) Create(ctx context.Context, reservation domain.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, ticket_type_id, session_id, quantity, status, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.exec(ctx, stmt,
		reservation.ID,
		reservation.TicketTypeID,
		reservation.SessionID,
		reservation.Quantity,
		reservation.Status,
		reservation.ExpiresAt,
		reservation.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (r *ReservationRepository) Get(ctx context.Context, id string) (domain.Reservation, error) {
	const query = `
SELECT id, ticket_type_id, session_id, quantity, status, expires_at, order_id, created_at
FROM reservations
WHERE id = $1`

	reservation, err := scanReservation(r.db.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Reservation{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Reservation{}, domain.ErrNotFound
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return reservation, nil
}

// Transition is the single guarded status flip. The status check lives in
// the WHERE clause so a concurrent sweep or fulfill loses cleanly instead of
// overwriting the winner.
func (r *ReservationRepository) Transition(ctx context.Context, id string, from, to domain.ReservationStatus, orderID *string) (bool, error) {
	const stmt = `
UPDATE reservations
SET status = $3, order_id = COALESCE($4, order_id)
WHERE id = $1 AND status = $2`

	tag, err := r.db.exec(ctx, stmt, id, from, to, orderID)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ReservationRepository) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	const stmt = `
UPDATE reservations
SET status = 'expired'
WHERE status = 'active' AND expires_at < $1`

	tag, err := r.db.exec(ctx, stmt, now)
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var reservation domain.Reservation
	err := row.Scan(
		&reservation.ID,
		&reservation.TicketTypeID,
		&reservation.SessionID,
		&reservation.Quantity,
		&reservation.Status,
		&reservation.ExpiresAt,
		&reservation.OrderID,
		&reservation.CreatedAt,
	)
	return reservation, err
}
