package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReconciliationRepository struct {
	db db
}

func NewReconciliationRepository(pool *pgxpool.Pool) *ReconciliationRepository {
	return &ReconciliationRepository{db: db{pool: pool}}
}

// LedgerTotals sums what the ledger believes each processor took in on one
// day. Refunded orders still count: the processor settled them that day.
func (r *ReconciliationRepository) LedgerTotals(ctx context.Context, day time.Time) (map[domain.Processor]int64, error) {
	const query = `
SELECT processor, COALESCE(SUM(amount_cents), 0)
FROM orders
WHERE mode = 'live'
  AND status IN ('completed', 'refunded', 'partially_refunded')
  AND completed_at >= $1 AND completed_at < $2
GROUP BY processor`

	from := day.UTC().Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)

	rows, err := r.db.query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("ledger totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[domain.Processor]int64)
	for rows.Next() {
		var processor domain.Processor
		var cents int64
		if err := rows.Scan(&processor, &cents); err != nil {
			return nil, fmt.Errorf("scan ledger total: %w", err)
		}
		totals[processor] = cents
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate ledger totals: %w", rows.Err())
	}
	return totals, nil
}

func (r *ReconciliationRepository) CreateDiscrepancy(ctx context.Context, d domain.Discrepancy) error {
	const stmt = `
INSERT INTO discrepancies (id, processor, day, ledger_cents, settled_cents, delta_cents, severity, status, note, detected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)`

	_, err := r.db.exec(ctx, stmt,
		d.ID, d.Processor, d.Day, d.LedgerCents, d.SettledCents, d.DeltaCents,
		d.Severity, d.Status, d.Note, d.DetectedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrInvalidState
		}
		return fmt.Errorf("create discrepancy: %w", err)
	}
	return nil
}

func (r *ReconciliationRepository) FindOpenDiscrepancy(ctx context.Context, processor domain.Processor, day time.Time) (*domain.Discrepancy, error) {
	const query = `
SELECT id, processor, day, ledger_cents, settled_cents, delta_cents, severity, status, COALESCE(note, ''), detected_at, resolved_at
FROM discrepancies
WHERE processor = $1 AND day = $2 AND status = 'open'`

	d, err := scanDiscrepancy(r.db.queryRow(ctx, query, processor, day))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find open discrepancy: %w", err)
	}
	return &d, nil
}

func (r *ReconciliationRepository) ListOpenDiscrepancies(ctx context.Context) ([]domain.Discrepancy, error) {
	const query = `
SELECT id, processor, day, ledger_cents, settled_cents, delta_cents, severity, status, COALESCE(note, ''), detected_at, resolved_at
FROM discrepancies
WHERE status = 'open'
ORDER BY detected_at`

	rows, err := r.db.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()

	var out []domain.Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate discrepancies: %w", rows.Err())
	}
	return out, nil
}

func (r *ReconciliationRepository) ResolveDiscrepancy(ctx context.Context, id, note string, at time.Time) (bool, error) {
	const stmt = `
UPDATE discrepancies
SET status = 'resolved', note = NULLIF($2, ''), resolved_at = $3
WHERE id = $1 AND status = 'open'`

	tag, err := r.db.exec(ctx, stmt, id, note, at)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("resolve discrepancy: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanDiscrepancy(row pgx.Row) (domain.Discrepancy, error) {
	var d domain.Discrepancy
	err := row.Scan(
		&d.ID,
		&d.Processor,
		&d.Day,
		&d.LedgerCents,
		&d.SettledCents,
		&d.DeltaCents,
		&d.Severity,
		&d.Status,
		&d.Note,
		&d.DetectedAt,
		&d.ResolvedAt,
	)
	return d, err
}
