package domain

import "time"

// Event is one occurrence from the external catalog. The core reads it to
// anchor ticket types; it is maintained by a collaborator, never written here.
type Event struct {
	ID       string
	Name     string
	StartsAt time.Time
}
