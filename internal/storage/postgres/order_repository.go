package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderRepository backs the fulfillment engine: orders, their lines and the
// tickets issued against them.
type OrderRepository struct {
	db db
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{db: db{pool: pool}}
}

func (r *OrderRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.withTx(ctx, fn)
}

func (r *OrderRepository) CreateOrder(ctx context.Context, order domain.Order) error {
	const stmt = `
INSERT INTO orders (id, amount_cents, currency, mode, processor, processor_ref, status, idempotency_key, reservation_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`

	_, err := r.db.exec(ctx, stmt,
		order.ID,
		order.AmountCents,
		order.Currency,
		order.Mode,
		order.Processor,
		order.ProcessorRef,
		order.Status,
		order.IdempotencyKey,
		order.ReservationID,
		order.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("create order: %w", err)
	}

	for _, line := range order.Lines {
		const lineStmt = `
INSERT INTO order_lines (order_id, ticket_type_id, quantity)
VALUES ($1, $2, $3)`
		if _, err := r.db.exec(ctx, lineStmt, order.ID, line.TicketTypeID, line.Quantity); err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("create order line: %w", err)
		}
	}
	return nil
}

func (r *OrderRepository) GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	const query = `
SELECT id, amount_cents, currency, mode, processor, COALESCE(processor_ref, ''), status,
       COALESCE(idempotency_key, ''), reservation_id, created_at, completed_at
FROM orders
WHERE id = $1
FOR UPDATE`

	order, err := scanOrder(r.db.queryRow(ctx, query, orderID))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Order{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}

	if order.Lines, err = r.orderLines(ctx, orderID); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *OrderRepository) FindOrderByIdempotencyKey(ctx context.Context, processor domain.Processor, key string) (*domain.Order, error) {
	const query = `
SELECT id, amount_cents, currency, mode, processor, COALESCE(processor_ref, ''), status,
       COALESCE(idempotency_key, ''), reservation_id, created_at, completed_at
FROM orders
WHERE processor = $1 AND idempotency_key = $2`

	order, err := scanOrder(r.db.queryRow(ctx, query, processor, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find order by idempotency key: %w", err)
	}

	if order.Lines, err = r.orderLines(ctx, order.ID); err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) MarkOrderCompleted(ctx context.Context, orderID, processorRef string, completedAt time.Time) error {
	const stmt = `
UPDATE orders
SET status = 'completed', processor_ref = NULLIF($2, ''), completed_at = $3
WHERE id = $1 AND status = 'pending'`

	tag, err := r.db.exec(ctx, stmt, orderID, processorRef, completedAt)
	if err != nil {
		return fmt.Errorf("complete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

// RecordRefund accumulates refunded units on one order line. The cumulative
// bound lives in the WHERE clause, so an over-refund loses the guard instead
// of deflating counters that belong to other orders.
func (r *OrderRepository) RecordRefund(ctx context.Context, orderID, ticketTypeID string, qty int) (bool, error) {
	const stmt = `
UPDATE order_lines
SET refunded_quantity = refunded_quantity + $3
WHERE order_id = $1 AND ticket_type_id = $2 AND refunded_quantity + $3 <= quantity`

	tag, err := r.db.exec(ctx, stmt, orderID, ticketTypeID, qty)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("record refund: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OrderRepository) MarkOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	const stmt = `UPDATE orders SET status = $2 WHERE id = $1`

	tag, err := r.db.exec(ctx, stmt, orderID, status)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) CreateTickets(ctx context.Context, tickets []domain.Ticket) error {
	const stmt = `
INSERT INTO tickets (id, order_id, ticket_type_id, serial, scan_count, max_scan_count, issued_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, ticket := range tickets {
		_, err := r.db.exec(ctx, stmt,
			ticket.ID,
			ticket.OrderID,
			ticket.TicketTypeID,
			ticket.Serial,
			ticket.ScanCount,
			ticket.MaxScanCount,
			ticket.IssuedAt,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("create ticket: %w", err)
		}
	}
	return nil
}

func (r *OrderRepository) TicketsByOrder(ctx context.Context, orderID string) ([]domain.Ticket, error) {
	const query = `
SELECT id, order_id, ticket_type_id, serial, scan_count, max_scan_count, issued_at
FROM tickets
WHERE order_id = $1
ORDER BY issued_at, serial`

	rows, err := r.db.query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		if err := rows.Scan(&t.ID, &t.OrderID, &t.TicketTypeID, &t.Serial, &t.ScanCount, &t.MaxScanCount, &t.IssuedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate tickets: %w", rows.Err())
	}
	return tickets, nil
}

func (r *OrderRepository) orderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	const query = `
SELECT ticket_type_id, quantity, refunded_quantity
FROM order_lines
WHERE order_id = $1
ORDER BY ticket_type_id`

	rows, err := r.db.query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order lines: %w", err)
	}
	defer rows.Close()

	var lines []domain.OrderLine
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.TicketTypeID, &line.Quantity, &line.RefundedQuantity); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, line)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate order lines: %w", rows.Err())
	}
	return lines, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var order domain.Order
	err := row.Scan(
		&order.ID,
		&order.AmountCents,
		&order.Currency,
		&order.Mode,
		&order.Processor,
		&order.ProcessorRef,
		&order.Status,
		&order.IdempotencyKey,
		&order.ReservationID,
		&order.CreatedAt,
		&order.CompletedAt,
	)
	return order, err
}
