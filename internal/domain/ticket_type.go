package domain

import "time"

type TicketTypeStatus string

const (
	TicketTypeAvailable  TicketTypeStatus = "available"
	TicketTypeSoldOut    TicketTypeStatus = "sold_out"
	TicketTypeComingSoon TicketTypeStatus = "coming_soon"
	TicketTypeClosed     TicketTypeStatus = "closed"
	TicketTypeTest       TicketTypeStatus = "test"
)

// TicketType is one sellable category for one event occurrence.
// SoldCount and TestSoldCount are only ever mutated through the ledger's
// guarded statements; MaxQuantity nil means unlimited.
type TicketType struct {
	ID            string
	EventID       string
	Name          string
	PriceCents    int64
	Currency      string
	MaxQuantity   *int
	SoldCount     int
	TestSoldCount int
	Status        TicketTypeStatus
	CreatedAt     time.Time
}

// SoldFor returns the counter matching the given data-mode.
func (t TicketType) SoldFor(mode Mode) int {
	if mode == ModeTest {
		return t.TestSoldCount
	}
	return t.SoldCount
}

// Availability is the storefront view of one ticket type's counters.
type Availability struct {
	TicketTypeID string
	Available    int
	Sold         int
	Reserved     int
	Unlimited    bool
}
