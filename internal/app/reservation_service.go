package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/bravoline/boxoffice/internal/clock"
	"github.com/bravoline/boxoffice/internal/domain"
)

type ReservationRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetTicketTypeForUpdate(ctx context.Context, ticketTypeID string) (domain.TicketType, error)
	FindActiveBySession(ctx context.Context, ticketTypeID, sessionID string, now time.Time) (*domain.Reservation, error)
	SumActive(ctx context.Context, ticketTypeID string, now time.Time) (int, error)
	Create(ctx context.Context, reservation domain.Reservation) error
	Get(ctx context.Context, id string) (domain.Reservation, error)
	// Transition flips status from→to in one guarded statement and reports
	// whether this caller won the transition.
	Transition(ctx context.Context, id string, from, to domain.ReservationStatus, orderID *string) (bool, error)
	// ExpireDue marks every active reservation with expiry before now as
	// expired and returns how many rows it touched.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// ReservationService creates short-lived holds during checkout and expires
// them in the background. Holds serialize on the ticket type row, so two
// concurrent reserves for the last unit resolve to exactly one winner.
type ReservationService struct {
	repo       ReservationRepository
	clock      clock.Clock
	defaultTTL time.Duration
}

const defaultReservationTTL = 15 * time.Minute

func NewReservationService(repo ReservationRepository, clk clock.Clock, opts ...ReservationServiceOption) *ReservationService {
	svc := &ReservationService{
		repo:       repo,
		clock:      clk,
		defaultTTL: defaultReservationTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type ReservationServiceOption func(*ReservationService)

// WithDefaultTTL overrides the TTL applied when Reserve gets none.
func WithDefaultTTL(d time.Duration) ReservationServiceOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

type ReserveInput struct {
	TicketTypeID string
	Quantity     int
	SessionID    string
	TTL          time.Duration
}

// Reserve places an active hold on quantity units. Re-issuing for the same
// (ticket type, session) returns the existing active hold instead of
// stacking a second claim. Fails with ErrCapacityExceeded when fewer than
// quantity units remain after sold and actively held units.
func (s *ReservationService) Reserve(ctx context.Context, in ReserveInput) (domain.Reservation, error) {
	if in.Quantity <= 0 {
		return domain.Reservation{}, domain.ErrInvalidQuantity
	}
	if in.SessionID == "" {
		return domain.Reservation{}, domain.ErrSessionRequired
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.clock.Now()
	var result domain.Reservation

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if existing, err := s.repo.FindActiveBySession(txCtx, in.TicketTypeID, in.SessionID, now); err != nil {
			return err
		} else if existing != nil {
			result = *existing
			return nil
		}

		tt, err := s.repo.GetTicketTypeForUpdate(txCtx, in.TicketTypeID)
		if err != nil {
			return err
		}

		if tt.MaxQuantity != nil {
			reserved, err := s.repo.SumActive(txCtx, in.TicketTypeID, now)
			if err != nil {
				return err
			}
			available := *tt.MaxQuantity - tt.SoldCount - reserved
			if in.Quantity > available {
				return domain.ErrCapacityExceeded
			}
		}

		reservation := domain.Reservation{
			ID:           newID(),
			TicketTypeID: in.TicketTypeID,
			SessionID:    in.SessionID,
			Quantity:     in.Quantity,
			Status:       domain.ReservationActive,
			ExpiresAt:    now.Add(ttl),
			CreatedAt:    now,
		}
		if err := s.repo.Create(txCtx, reservation); err != nil {
			return err
		}

		result = reservation
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return result, nil
}

// Fulfill transitions an active, unexpired reservation to fulfilled and
// links the order that consumed it. A reservation the sweep already expired
// fails with ErrInvalidState; the caller must re-reserve.
func (s *ReservationService) Fulfill(ctx context.Context, reservationID, orderID string) error {
	now := s.clock.Now()

	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		reservation, err := s.repo.Get(txCtx, reservationID)
		if err != nil {
			return err
		}
		if !reservation.ActiveAt(now) {
			return domain.ErrInvalidState
		}

		won, err := s.repo.Transition(txCtx, reservationID, domain.ReservationActive, domain.ReservationFulfilled, &orderID)
		if err != nil {
			return err
		}
		if !won {
			// Lost the race against a concurrent sweep or fulfill.
			return domain.ErrInvalidState
		}
		return nil
	})
}

// Release abandons an active reservation. Releasing a reservation that is
// already terminal is a no-op.
func (s *ReservationService) Release(ctx context.Context, reservationID string) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		reservation, err := s.repo.Get(txCtx, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status.Terminal() {
			return nil
		}

		won, err := s.repo.Transition(txCtx, reservationID, domain.ReservationActive, domain.ReservationReleased, nil)
		if err != nil {
			return err
		}
		if !won {
			// A concurrent transition already moved it; releasing stays idempotent.
			return nil
		}
		return nil
	})
}

// ExpireDue runs one sweep pass. The sweep is the only writer of the
// active→expired transition.
func (s *ReservationService) ExpireDue(ctx context.Context) (int, error) {
	return s.repo.ExpireDue(ctx, s.clock.Now())
}

// RunSweeper expires due reservations on a fixed interval until ctx is done.
func (s *ReservationService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireDue(ctx)
			if err != nil {
				slog.Error("reservation sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("expired reservations", slog.Int("count", n))
			}
		}
	}
}
