package domain

import "time"

type DiscrepancySeverity string

const (
	SeverityMinor    DiscrepancySeverity = "minor"
	SeverityMajor    DiscrepancySeverity = "major"
	SeverityCritical DiscrepancySeverity = "critical"
)

type DiscrepancyStatus string

const (
	DiscrepancyOpen     DiscrepancyStatus = "open"
	DiscrepancyResolved DiscrepancyStatus = "resolved"
)

// Discrepancy records a mismatch between ledger-derived totals and a
// processor's settlement report for one day. Resolution is a manual note;
// discrepancies never mutate counters or orders.
type Discrepancy struct {
	ID           string
	Processor    Processor
	Day          time.Time
	LedgerCents  int64
	SettledCents int64
	DeltaCents   int64
	Severity     DiscrepancySeverity
	Status       DiscrepancyStatus
	Note         string
	DetectedAt   time.Time
	ResolvedAt   *time.Time
}
