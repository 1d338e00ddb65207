package app

import (
	"strings"

	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()
}

// newTicketSerial builds the short code printed on a ticket. Serials only
// need per-installation uniqueness; the DB unique index is the backstop.
func newTicketSerial() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return raw[:12]
}
