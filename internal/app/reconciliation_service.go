package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/bravoline/boxoffice/internal/clock"
	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/bravoline/boxoffice/internal/provider"
)

type ReconciliationRepository interface {
	// LedgerTotals sums completed live orders by processor for one day.
	LedgerTotals(ctx context.Context, day time.Time) (map[domain.Processor]int64, error)
	CreateDiscrepancy(ctx context.Context, d domain.Discrepancy) error
	FindOpenDiscrepancy(ctx context.Context, processor domain.Processor, day time.Time) (*domain.Discrepancy, error)
	ListOpenDiscrepancies(ctx context.Context) ([]domain.Discrepancy, error)
	// ResolveDiscrepancy flips open→resolved in one guarded statement.
	ResolveDiscrepancy(ctx context.Context, id, note string, at time.Time) (bool, error)
}

// DiscrepancyPublisher feeds new discrepancies to the admin surface.
type DiscrepancyPublisher interface {
	PublishDiscrepancy(ctx context.Context, d domain.Discrepancy) error
}

// ReconciliationService compares ledger-derived totals against what each
// processor reports as settled and records mismatches. It is strictly
// read-only towards orders and counters: resolution is a note, never a
// counter correction.
type ReconciliationService struct {
	repo      ReconciliationRepository
	providers *provider.Registry
	feed      DiscrepancyPublisher
	clock     clock.Clock
}

func NewReconciliationService(repo ReconciliationRepository, providers *provider.Registry, feed DiscrepancyPublisher, clk clock.Clock) *ReconciliationService {
	return &ReconciliationService{
		repo:      repo,
		providers: providers,
		feed:      feed,
		clock:     clk,
	}
}

// RunOnce reconciles one day across all registered providers. A provider
// whose settlement fetch fails is logged and skipped; the others still run.
func (s *ReconciliationService) RunOnce(ctx context.Context, day time.Time) ([]domain.Discrepancy, error) {
	day = day.UTC().Truncate(24 * time.Hour)

	totals, err := s.repo.LedgerTotals(ctx, day)
	if err != nil {
		return nil, err
	}

	var found []domain.Discrepancy
	for _, client := range s.providers.All() {
		settled, err := client.FetchSettlement(ctx, day)
		if err != nil {
			slog.Error("can't fetch settlement",
				slog.String("provider", client.Name()),
				slog.Time("day", day),
				slog.Any("error", err))
			continue
		}

		ledger := totals[settled.Processor]
		delta := ledger - settled.GrossCents
		if delta == 0 {
			continue
		}

		if existing, err := s.repo.FindOpenDiscrepancy(ctx, settled.Processor, day); err != nil {
			return found, err
		} else if existing != nil {
			// Already flagged and still open; don't stack a second record.
			continue
		}

		d := domain.Discrepancy{
			ID:           newID(),
			Processor:    settled.Processor,
			Day:          day,
			LedgerCents:  ledger,
			SettledCents: settled.GrossCents,
			DeltaCents:   delta,
			Severity:     classifySeverity(ledger, settled.GrossCents),
			Status:       domain.DiscrepancyOpen,
			DetectedAt:   s.clock.Now(),
		}
		if err := s.repo.CreateDiscrepancy(ctx, d); err != nil {
			return found, err
		}
		found = append(found, d)

		if s.feed != nil {
			if err := s.feed.PublishDiscrepancy(ctx, d); err != nil {
				slog.Error("can't publish discrepancy", slog.String("id", d.ID), slog.Any("error", err))
			}
		}
	}
	return found, nil
}

// classifySeverity tiers a mismatch. The ledger showing less than the
// processor settled means money arrived without tickets — always critical.
func classifySeverity(ledgerCents, settledCents int64) domain.DiscrepancySeverity {
	if ledgerCents < settledCents {
		return domain.SeverityCritical
	}
	delta := ledgerCents - settledCents
	if settledCents > 0 && delta*100 >= settledCents {
		return domain.SeverityMajor
	}
	if delta >= 10000 {
		return domain.SeverityMajor
	}
	return domain.SeverityMinor
}

// Resolve records the manual outcome of a flagged discrepancy.
func (s *ReconciliationService) Resolve(ctx context.Context, id, note string) error {
	won, err := s.repo.ResolveDiscrepancy(ctx, id, note, s.clock.Now())
	if err != nil {
		return err
	}
	if !won {
		return domain.ErrInvalidState
	}
	return nil
}

func (s *ReconciliationService) ListOpen(ctx context.Context) ([]domain.Discrepancy, error) {
	return s.repo.ListOpenDiscrepancies(ctx)
}

// Run reconciles the previous day on a fixed interval until ctx is done.
func (s *ReconciliationService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			day := s.clock.Now().AddDate(0, 0, -1)
			found, err := s.RunOnce(ctx, day)
			if err != nil {
				slog.Error("reconciliation pass failed", slog.Any("error", err))
				continue
			}
			if len(found) > 0 {
				slog.Warn("reconciliation found discrepancies", slog.Int("count", len(found)))
			}
		}
	}
}
