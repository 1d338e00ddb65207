package postgres

import (
	"context"
	"fmt"

	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CatalogRepository reads the externally maintained event catalog. The core
// never writes to it.
type CatalogRepository struct {
	db db
}

func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{db: db{pool: pool}}
}

func (r *CatalogRepository) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	const query = `SELECT id, name, starts_at FROM events WHERE id = $1`

	var event domain.Event
	err := r.db.queryRow(ctx, query, id).Scan(&event.ID, &event.Name, &event.StartsAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Event{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Event{}, domain.ErrNotFound
		}
		return domain.Event{}, fmt.Errorf("get event: %w", err)
	}
	return event, nil
}

func (r *CatalogRepository) ListTicketTypesByEvent(ctx context.Context, eventID string) ([]domain.TicketType, error) {
	const query = `
SELECT id, event_id, name, price_cents, currency, max_quantity, sold_count, test_sold_count, status, created_at
FROM ticket_types
WHERE event_id = $1
ORDER BY created_at`

	rows, err := r.db.query(ctx, query, eventID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list ticket types: %w", err)
	}
	defer rows.Close()

	var out []domain.TicketType
	for rows.Next() {
		var tt domain.TicketType
		if err := rows.Scan(
			&tt.ID, &tt.EventID, &tt.Name, &tt.PriceCents, &tt.Currency,
			&tt.MaxQuantity, &tt.SoldCount, &tt.TestSoldCount, &tt.Status, &tt.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ticket type: %w", err)
		}
		out = append(out, tt)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate ticket types: %w", rows.Err())
	}
	return out, nil
}
