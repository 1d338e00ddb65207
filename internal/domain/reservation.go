package domain

import "time"

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationExpired   ReservationStatus = "expired"
	ReservationReleased  ReservationStatus = "released"
)

// Terminal reports whether the reservation can no longer transition.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationFulfilled || s == ReservationExpired || s == ReservationReleased
}

// Reservation is a temporary claim on quantity units of one ticket type,
// keyed by the checkout session that created it. Expired and released
// reservations contribute nothing to availability.
type Reservation struct {
	ID           string
	TicketTypeID string
	SessionID    string
	Quantity     int
	Status       ReservationStatus
	ExpiresAt    time.Time
	OrderID      *string
	CreatedAt    time.Time
}

func (r Reservation) ActiveAt(now time.Time) bool {
	return r.Status == ReservationActive && r.ExpiresAt.After(now)
}
