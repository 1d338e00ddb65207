package domain

import "time"

type OrderStatus string

const (
	OrderPending           OrderStatus = "pending"
	OrderCompleted         OrderStatus = "completed"
	OrderFailed            OrderStatus = "failed"
	OrderCancelled         OrderStatus = "cancelled"
	OrderRefunded          OrderStatus = "refunded"
	OrderPartiallyRefunded OrderStatus = "partially_refunded"
)

// Processor identifies the single payment processor behind an order.
type Processor string

const (
	ProcessorCard     Processor = "card"
	ProcessorWallet   Processor = "wallet"
	ProcessorCash     Processor = "cash"
	ProcessorTerminal Processor = "terminal"
	ProcessorComp     Processor = "comp"
	ProcessorTransfer Processor = "transfer"
)

// Manual reports whether the processor is a manual-entry flow. Manual flows
// have no provider-side dedup, so the caller must supply an idempotency key.
func (p Processor) Manual() bool {
	switch p {
	case ProcessorCash, ProcessorTerminal, ProcessorComp, ProcessorTransfer:
		return true
	}
	return false
}

// RequiresReference reports whether an external processor reference must be
// present before the order may complete.
func (p Processor) RequiresReference() bool {
	return p == ProcessorCard || p == ProcessorWallet
}

// Order is one purchase attempt. Lines are the per-ticket-type quantities
// fulfilled when the order completes.
type Order struct {
	ID             string
	AmountCents    int64
	Currency       string
	Mode           Mode
	Processor      Processor
	ProcessorRef   string
	Status         OrderStatus
	IdempotencyKey string
	Lines          []OrderLine
	ReservationID  *string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// OrderLine carries the per-ticket-type quantity of an order.
// RefundedQuantity accumulates across refund calls and never exceeds
// Quantity.
type OrderLine struct {
	TicketTypeID     string
	Quantity         int
	RefundedQuantity int
}
