package domain

import "time"

// Ticket is one issued, scannable unit owned by exactly one order.
type Ticket struct {
	ID           string
	OrderID      string
	TicketTypeID string
	Serial       string
	ScanCount    int
	MaxScanCount int
	IssuedAt     time.Time
}

// RecordScan bumps the scan counter, refusing to exceed the per-ticket bound.
func (t *Ticket) RecordScan() error {
	if t.ScanCount+1 > t.MaxScanCount {
		return ErrInvalidState
	}
	t.ScanCount++
	return nil
}
