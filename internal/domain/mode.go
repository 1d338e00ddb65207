package domain

// Mode partitions otherwise identical entities into live and test traffic.
// Test sales bump their own counter so they can never block live capacity.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

func (m Mode) Valid() bool {
	return m == ModeLive || m == ModeTest
}
