package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bravoline/boxoffice/internal/clock"
	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/bravoline/boxoffice/internal/provider"
)

type ProviderEventRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// Insert stores a new event; the (provider, provider_event_id) unique
	// index makes it fail with ErrDuplicateEvent when the pair exists.
	Insert(ctx context.Context, event domain.ProviderEvent) error
	GetByProviderEventID(ctx context.Context, providerName, providerEventID string) (*domain.ProviderEvent, error)
	MarkVerified(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string, orderID *string) error
	MarkSkipped(ctx context.Context, id, reason string) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastError string, nextAttemptAt *time.Time) error
	// ListDue returns failed events whose next attempt is due, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ProviderEvent, error)
}

// Fulfiller is the slice of the fulfillment engine intake dispatches to.
type Fulfiller interface {
	Fulfill(ctx context.Context, orderID, processorRef string) ([]domain.Ticket, error)
}

type AcceptOutcome string

const (
	OutcomeApplied          AcceptOutcome = "applied"
	OutcomeDuplicate        AcceptOutcome = "duplicate"
	OutcomeSkipped          AcceptOutcome = "skipped"
	OutcomeInvalidSignature AcceptOutcome = "invalid_signature"
	OutcomeRetryScheduled   AcceptOutcome = "retry_scheduled"
)

type AcceptInput struct {
	Provider        string
	ProviderEventID string
	Type            string
	Payload         []byte
	Signature       string
}

type AcceptResult struct {
	Event   domain.ProviderEvent
	Outcome AcceptOutcome
}

const eventTypePaymentCompleted = "payment.completed"

// completedPayload is the slice of a provider notification intake needs.
type completedPayload struct {
	OrderID      string `json:"order_id"`
	ProcessorRef string `json:"processor_ref"`
}

// IntakeService accepts provider notifications at-least-once and applies
// them at most once. Signature verification happens before any transaction;
// dedup rides on the (provider, event id) unique index, never a prior SELECT.
type IntakeService struct {
	repo      ProviderEventRepository
	providers *provider.Registry
	fulfiller Fulfiller
	clock     clock.Clock

	maxAttempts int
	backoffBase time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 30 * time.Second
)

func NewIntakeService(repo ProviderEventRepository, providers *provider.Registry, fulfiller Fulfiller, clk clock.Clock, opts ...IntakeServiceOption) *IntakeService {
	svc := &IntakeService{
		repo:        repo,
		providers:   providers,
		fulfiller:   fulfiller,
		clock:       clk,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type IntakeServiceOption func(*IntakeService)

// WithRetryPolicy overrides the retry bound and backoff base.
func WithRetryPolicy(maxAttempts int, backoffBase time.Duration) IntakeServiceOption {
	return func(s *IntakeService) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if backoffBase > 0 {
			s.backoffBase = backoffBase
		}
	}
}

// Accept ingests one notification. A failed signature stores the event inert
// and returns ErrVerificationFailed. A replayed event id returns the
// duplicate outcome with zero side effects. A fulfillment failure schedules
// a bounded retry and returns the underlying error alongside the result.
func (s *IntakeService) Accept(ctx context.Context, in AcceptInput) (AcceptResult, error) {
	if in.ProviderEventID == "" || in.Provider == "" {
		return AcceptResult{}, domain.ErrValidation
	}

	client, err := s.providers.Get(in.Provider)
	if err != nil {
		return AcceptResult{}, err
	}

	now := s.clock.Now()
	event := domain.ProviderEvent{
		ID:              newID(),
		Provider:        in.Provider,
		ProviderEventID: in.ProviderEventID,
		Type:            in.Type,
		Payload:         in.Payload,
		Verification:    domain.VerificationPending,
		Processing:      domain.ProcessingPending,
		ReceivedAt:      now,
	}

	// Network-facing verification stays outside the atomic section.
	if !client.VerifySignature(in.Payload, in.Signature) {
		event.Verification = domain.VerificationBadSig
		event.Processing = domain.ProcessingSkipped
		if err := s.repo.Insert(ctx, event); err != nil && !errors.Is(err, domain.ErrDuplicateEvent) {
			return AcceptResult{}, err
		}
		slog.Warn("provider event failed signature verification",
			slog.String("provider", in.Provider),
			slog.String("event_id", in.ProviderEventID))
		return AcceptResult{Event: event, Outcome: OutcomeInvalidSignature}, domain.ErrVerificationFailed
	}
	event.Verification = domain.VerificationVerified

	if err := s.repo.Insert(ctx, event); err != nil {
		if !errors.Is(err, domain.ErrDuplicateEvent) {
			return AcceptResult{}, err
		}
		return s.acceptExisting(ctx, event)
	}

	return s.dispatch(ctx, event)
}

// acceptExisting handles a redelivery: the (provider, event id) pair is
// already stored. A row that never got applied is picked up again, either an
// earlier invalid-signature row that now verifies or a verified row whose
// dispatch never ran; everything else is a no-op duplicate.
func (s *IntakeService) acceptExisting(ctx context.Context, submitted domain.ProviderEvent) (AcceptResult, error) {
	existing, err := s.repo.GetByProviderEventID(ctx, submitted.Provider, submitted.ProviderEventID)
	if err != nil {
		return AcceptResult{}, err
	}
	if existing == nil {
		return AcceptResult{}, fmt.Errorf("event vanished after duplicate insert: %w", domain.ErrNotFound)
	}

	if existing.Verification == domain.VerificationBadSig {
		if err := s.repo.MarkVerified(ctx, existing.ID); err != nil {
			return AcceptResult{}, err
		}
		revived := *existing
		revived.Verification = domain.VerificationVerified
		revived.Processing = domain.ProcessingPending
		return s.dispatch(ctx, revived)
	}

	// A verified row still pending means the first delivery died between
	// insert and dispatch. It has no next attempt scheduled, so this
	// redelivery is the only recovery path; apply it now.
	if existing.Processing == domain.ProcessingPending {
		return s.dispatch(ctx, *existing)
	}

	return AcceptResult{Event: *existing, Outcome: OutcomeDuplicate}, nil
}

// dispatch applies one verified event: marking it processed and running
// fulfillment are a single atomic unit.
func (s *IntakeService) dispatch(ctx context.Context, event domain.ProviderEvent) (AcceptResult, error) {
	if event.Type != eventTypePaymentCompleted {
		if err := s.repo.MarkSkipped(ctx, event.ID, "unhandled event type "+event.Type); err != nil {
			return AcceptResult{}, err
		}
		event.Processing = domain.ProcessingSkipped
		return AcceptResult{Event: event, Outcome: OutcomeSkipped}, nil
	}

	var payload completedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil || payload.OrderID == "" {
		// Malformed payloads are never retried.
		reason := "malformed payload"
		if err != nil {
			reason = fmt.Sprintf("malformed payload: %v", err)
		}
		if err := s.repo.MarkFailed(ctx, event.ID, s.maxAttempts, reason, nil); err != nil {
			return AcceptResult{}, err
		}
		event.Processing = domain.ProcessingFailed
		return AcceptResult{Event: event, Outcome: OutcomeSkipped}, domain.ErrValidation
	}

	applyErr := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if _, err := s.fulfiller.Fulfill(txCtx, payload.OrderID, payload.ProcessorRef); err != nil {
			return err
		}
		return s.repo.MarkProcessed(txCtx, event.ID, &payload.OrderID)
	})
	if applyErr != nil {
		return s.scheduleRetry(ctx, event, applyErr)
	}

	event.Processing = domain.ProcessingProcessed
	event.OrderID = &payload.OrderID
	return AcceptResult{Event: event, Outcome: OutcomeApplied}, nil
}

func (s *IntakeService) scheduleRetry(ctx context.Context, event domain.ProviderEvent, cause error) (AcceptResult, error) {
	attempt := event.RetryCount + 1

	if errors.Is(cause, domain.ErrValidation) || attempt >= s.maxAttempts {
		if err := s.repo.MarkFailed(ctx, event.ID, attempt, cause.Error(), nil); err != nil {
			return AcceptResult{}, err
		}
		event.Processing = domain.ProcessingFailed
		event.RetryCount = attempt
		slog.Error("provider event failed terminally",
			slog.String("provider", event.Provider),
			slog.String("event_id", event.ProviderEventID),
			slog.Int("attempts", attempt),
			slog.Any("error", cause))
		if attempt >= s.maxAttempts && !errors.Is(cause, domain.ErrValidation) {
			return AcceptResult{Event: event, Outcome: OutcomeRetryScheduled}, fmt.Errorf("%w: %w", domain.ErrRetriesExhausted, cause)
		}
		return AcceptResult{Event: event, Outcome: OutcomeSkipped}, cause
	}

	next := s.clock.Now().Add(s.backoff(attempt))
	if err := s.repo.MarkFailed(ctx, event.ID, attempt, cause.Error(), &next); err != nil {
		return AcceptResult{}, err
	}
	event.Processing = domain.ProcessingFailed
	event.RetryCount = attempt
	event.NextAttemptAt = &next
	return AcceptResult{Event: event, Outcome: OutcomeRetryScheduled}, cause
}

// backoff doubles per attempt: base, 2*base, 4*base, …
func (s *IntakeService) backoff(attempt int) time.Duration {
	d := s.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// ProcessDue retries failed events whose next attempt has come. Returns how
// many events it applied.
func (s *IntakeService) ProcessDue(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.ListDue(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, event := range due {
		res, err := s.dispatch(ctx, event)
		if err != nil {
			slog.Warn("provider event retry failed",
				slog.String("event_id", event.ProviderEventID),
				slog.Int("retry_count", event.RetryCount),
				slog.Any("error", err))
			continue
		}
		if res.Outcome == OutcomeApplied {
			applied++
		}
	}
	return applied, nil
}

// RunRetryWorker polls for due retries on a fixed interval until ctx is done.
func (s *IntakeService) RunRetryWorker(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ProcessDue(ctx, batchSize)
			if err != nil {
				slog.Error("retry pass failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("retried provider events", slog.Int("applied", n))
			}
		}
	}
}
