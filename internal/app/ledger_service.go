package app

import (
	"context"
	"time"

	"github.com/bravoline/boxoffice/internal/clock"
	"github.com/bravoline/boxoffice/internal/domain"
)

// LedgerRepository exposes the guarded counter statements. TryDecrement and
// Increment must each be a single atomic statement; no implementation may
// read a counter and write a derived value in separate round trips.
type LedgerRepository interface {
	GetTicketType(ctx context.Context, id string) (domain.TicketType, error)
	TryDecrement(ctx context.Context, ticketTypeID string, qty int, mode domain.Mode) (int, error)
	Increment(ctx context.Context, ticketTypeID string, qty int, mode domain.Mode) (int, error)
	SumActiveReservations(ctx context.Context, ticketTypeID string, now time.Time) (int, error)
}

// LedgerService is the single authority over sold counters. Every sale path
// goes through TryDecrement; every refund path through Increment.
type LedgerService struct {
	repo  LedgerRepository
	clock clock.Clock
}

func NewLedgerService(repo LedgerRepository, clk clock.Clock) *LedgerService {
	return &LedgerService{
		repo:  repo,
		clock: clk,
	}
}

// TryDecrement consumes qty units of remaining inventory by bumping the
// sold counter matching mode. Live requests beyond the cap fail with
// ErrCapacityExceeded; the test counter is never capped.
func (s *LedgerService) TryDecrement(ctx context.Context, ticketTypeID string, qty int, mode domain.Mode) (int, error) {
	if qty <= 0 {
		return 0, domain.ErrInvalidQuantity
	}
	if !mode.Valid() {
		return 0, domain.ErrValidation
	}
	return s.repo.TryDecrement(ctx, ticketTypeID, qty, mode)
}

// Increment hands qty units back on refund. The counter floors at zero no
// matter how calls interleave.
func (s *LedgerService) Increment(ctx context.Context, ticketTypeID string, qty int, mode domain.Mode) (int, error) {
	if qty <= 0 {
		return 0, domain.ErrInvalidQuantity
	}
	if !mode.Valid() {
		return 0, domain.ErrValidation
	}
	return s.repo.Increment(ctx, ticketTypeID, qty, mode)
}

// Availability returns the storefront counters: sold, actively reserved and
// what remains. Reserved counts only active, unexpired reservations; a
// fulfilled reservation's quantity lives solely in the sold counter.
func (s *LedgerService) Availability(ctx context.Context, ticketTypeID string) (domain.Availability, error) {
	tt, err := s.repo.GetTicketType(ctx, ticketTypeID)
	if err != nil {
		return domain.Availability{}, err
	}

	reserved, err := s.repo.SumActiveReservations(ctx, ticketTypeID, s.clock.Now())
	if err != nil {
		return domain.Availability{}, err
	}

	av := domain.Availability{
		TicketTypeID: ticketTypeID,
		Sold:         tt.SoldCount,
		Reserved:     reserved,
	}
	if tt.MaxQuantity == nil {
		av.Unlimited = true
		return av, nil
	}
	av.Available = *tt.MaxQuantity - tt.SoldCount - reserved
	if av.Available < 0 {
		av.Available = 0
	}
	return av, nil
}
