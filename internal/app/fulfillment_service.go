package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bravoline/boxoffice/internal/clock"
	"github.com/bravoline/boxoffice/internal/domain"
)

type FulfillmentRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrderForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, processor domain.Processor, key string) (*domain.Order, error)
	MarkOrderCompleted(ctx context.Context, orderID, processorRef string, completedAt time.Time) error
	MarkOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error
	// RecordRefund bumps a line's cumulative refunded quantity in one
	// guarded statement and reports whether the bound held.
	RecordRefund(ctx context.Context, orderID, ticketTypeID string, qty int) (bool, error)
	CreateTickets(ctx context.Context, tickets []domain.Ticket) error
	TicketsByOrder(ctx context.Context, orderID string) ([]domain.Ticket, error)
}

// FulfillmentService converts completed payments into issued tickets and the
// matching ledger decrement, as one atomic unit per order.
type FulfillmentService struct {
	repo         FulfillmentRepository
	ledger       *LedgerService
	reservations *ReservationService
	clock        clock.Clock
	maxScans     int
}

const defaultMaxScans = 1

func NewFulfillmentService(repo FulfillmentRepository, ledger *LedgerService, reservations *ReservationService, clk clock.Clock) *FulfillmentService {
	return &FulfillmentService{
		repo:         repo,
		ledger:       ledger,
		reservations: reservations,
		clock:        clk,
		maxScans:     defaultMaxScans,
	}
}

type CreateOrderInput struct {
	AmountCents    int64
	Currency       string
	Mode           domain.Mode
	Processor      domain.Processor
	IdempotencyKey string
	Lines          []domain.OrderLine
	ReservationID  *string
}

// CreateOrder records a pending purchase attempt. Manual-entry processors
// must carry a caller-supplied idempotency key; re-submitting the same key
// returns the order the first submission created.
func (s *FulfillmentService) CreateOrder(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	if in.Currency == "" {
		return domain.Order{}, domain.ErrCurrencyRequired
	}
	if !in.Mode.Valid() {
		return domain.Order{}, domain.ErrValidation
	}
	if len(in.Lines) == 0 {
		return domain.Order{}, domain.ErrInvalidQuantity
	}
	for _, line := range in.Lines {
		if line.Quantity <= 0 {
			return domain.Order{}, domain.ErrInvalidQuantity
		}
	}
	if in.Processor.Manual() && in.IdempotencyKey == "" {
		return domain.Order{}, domain.ErrIdempotencyKeyRequired
	}

	now := s.clock.Now()
	var result domain.Order

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if in.IdempotencyKey != "" {
			if existing, err := s.repo.FindOrderByIdempotencyKey(txCtx, in.Processor, in.IdempotencyKey); err != nil {
				return err
			} else if existing != nil {
				result = *existing
				return nil
			}
		}

		order := domain.Order{
			ID:             newID(),
			AmountCents:    in.AmountCents,
			Currency:       in.Currency,
			Mode:           in.Mode,
			Processor:      in.Processor,
			Status:         domain.OrderPending,
			IdempotencyKey: in.IdempotencyKey,
			Lines:          in.Lines,
			ReservationID:  in.ReservationID,
			CreatedAt:      now,
		}
		if err := s.repo.CreateOrder(txCtx, order); err != nil {
			// Re-read when a concurrent submission with the same key won the insert.
			if errors.Is(err, domain.ErrIdempotencyConflict) && in.IdempotencyKey != "" {
				existing, ferr := s.repo.FindOrderByIdempotencyKey(txCtx, in.Processor, in.IdempotencyKey)
				if ferr != nil {
					return ferr
				}
				if existing != nil {
					result = *existing
					return nil
				}
			}
			return err
		}

		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// Fulfill issues tickets for a paid order: ledger decrement per line, ticket
// rows, reservation fulfillment when one is linked, and the order's
// transition to completed — all in one transaction. A second call for an
// already completed order returns the tickets issued the first time and
// changes nothing.
func (s *FulfillmentService) Fulfill(ctx context.Context, orderID, processorRef string) ([]domain.Ticket, error) {
	now := s.clock.Now()
	var issued []domain.Ticket

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			return err
		}

		switch order.Status {
		case domain.OrderPending:
			// fall through
		case domain.OrderCompleted:
			issued, err = s.repo.TicketsByOrder(txCtx, orderID)
			return err
		default:
			return domain.ErrInvalidState
		}

		if order.Processor.Manual() && order.IdempotencyKey == "" {
			return domain.ErrIdempotencyKeyRequired
		}
		ref := processorRef
		if ref == "" {
			ref = order.ProcessorRef
		}
		if order.Processor.RequiresReference() && ref == "" {
			return domain.ErrProcessorRefRequired
		}

		tickets := make([]domain.Ticket, 0)
		for _, line := range order.Lines {
			if _, err := s.ledger.TryDecrement(txCtx, line.TicketTypeID, line.Quantity, order.Mode); err != nil {
				return err
			}
			for i := 0; i < line.Quantity; i++ {
				tickets = append(tickets, domain.Ticket{
					ID:           newID(),
					OrderID:      order.ID,
					TicketTypeID: line.TicketTypeID,
					Serial:       newTicketSerial(),
					MaxScanCount: s.maxScans,
					IssuedAt:     now,
				})
			}
		}
		if err := s.repo.CreateTickets(txCtx, tickets); err != nil {
			return err
		}

		if order.ReservationID != nil {
			err := s.reservations.Fulfill(txCtx, *order.ReservationID, order.ID)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrInvalidState):
				// The hold expired after checkout but capacity was still
				// there: the decrement above already secured the units.
				slog.Warn("linked reservation no longer active",
					slog.String("order_id", order.ID),
					slog.String("reservation_id", *order.ReservationID))
			default:
				return err
			}
		}

		if err := s.repo.MarkOrderCompleted(txCtx, order.ID, ref, now); err != nil {
			return err
		}

		issued = tickets
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// Refund hands units back to the ledger for a completed order. Refunded
// quantities accumulate per line across calls; a refund that would push a
// line past what was ordered is refused before any counter moves. Once every
// line is fully refunded the order is marked refunded, otherwise partially
// refunded. Orders are never un-completed.
func (s *FulfillmentService) Refund(ctx context.Context, orderID string, lines []domain.OrderLine) error {
	if len(lines) == 0 {
		return domain.ErrInvalidQuantity
	}
	refunding := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return domain.ErrInvalidQuantity
		}
		refunding[line.TicketTypeID] += line.Quantity
	}

	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderCompleted && order.Status != domain.OrderPartiallyRefunded {
			return domain.ErrInvalidState
		}

		for ticketTypeID, qty := range refunding {
			won, err := s.repo.RecordRefund(txCtx, order.ID, ticketTypeID, qty)
			if err != nil {
				return err
			}
			if !won {
				// Unknown line, or the cumulative refund would exceed
				// what this order sold.
				return domain.ErrInvalidQuantity
			}
			if _, err := s.ledger.Increment(txCtx, ticketTypeID, qty, order.Mode); err != nil {
				return err
			}
		}

		status := domain.OrderRefunded
		for _, line := range order.Lines {
			if line.RefundedQuantity+refunding[line.TicketTypeID] < line.Quantity {
				status = domain.OrderPartiallyRefunded
				break
			}
		}
		return s.repo.MarkOrderStatus(txCtx, order.ID, status)
	})
}
