package domain

import "time"

type VerificationState string

const (
	VerificationPending  VerificationState = "pending"
	VerificationVerified VerificationState = "verified"
	VerificationFailed   VerificationState = "failed"
	VerificationBadSig   VerificationState = "invalid_signature"
)

type ProcessingState string

const (
	ProcessingPending   ProcessingState = "pending"
	ProcessingProcessed ProcessingState = "processed"
	ProcessingFailed    ProcessingState = "failed"
	ProcessingSkipped   ProcessingState = "skipped"
	ProcessingDuplicate ProcessingState = "duplicate"
)

// ProviderEvent is one inbound asynchronous payment-provider notification.
// The (Provider, ProviderEventID) pair is unique; a second delivery of the
// same pair is recorded as a duplicate and applied zero times.
type ProviderEvent struct {
	ID              string
	Provider        string
	ProviderEventID string
	Type            string
	Payload         []byte
	Verification    VerificationState
	Processing      ProcessingState
	RetryCount      int
	LastError       string
	OrderID         *string
	NextAttemptAt   *time.Time
	ReceivedAt      time.Time
}
