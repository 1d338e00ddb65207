package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bravoline/boxoffice/internal/clock"
	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/bravoline/boxoffice/internal/provider"
)

const intakeTestSecret = "whsec_local"

func newIntakeFixture(t *testing.T) (*IntakeService, *fakeStore, *clock.Manual, *provider.HMACClient) {
	t.Helper()
	store := newFakeStore()
	clk := testClock()
	ledger := NewLedgerService(store, clk)
	reservations := NewReservationService(store, clk)
	fulfillment := NewFulfillmentService(store, ledger, reservations, clk)
	client := provider.NewHMACClient("cardco", []byte(intakeTestSecret), nil)
	intake := NewIntakeService(store, provider.NewRegistry(client), fulfillment, clk)
	return intake, store, clk, client
}

func completedInput(t *testing.T, client *provider.HMACClient, eventID, orderID string) AcceptInput {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"order_id": orderID, "processor_ref": "ch_123"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return AcceptInput{
		Provider:        "cardco",
		ProviderEventID: eventID,
		Type:            "payment.completed",
		Payload:         payload,
		Signature:       client.Sign(payload),
	}
}

func storedEvent(t *testing.T, store *fakeStore, eventID string) domain.ProviderEvent {
	t.Helper()
	event, err := store.GetByProviderEventID(context.Background(), "cardco", eventID)
	if err != nil {
		t.Fatalf("get stored event: %v", err)
	}
	if event == nil {
		t.Fatalf("event %s not stored", eventID)
	}
	return *event
}

func TestIntakeService_Accept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("applies a completed payment", func(t *testing.T) {
		t.Parallel()
		intake, store, _, client := newIntakeFixture(t)
		store.addTicketType("tt-1", intPtr(10))
		store.addOrder(pendingOrder("order-1", domain.ProcessorCard, domain.OrderLine{TicketTypeID: "tt-1", Quantity: 2}))

		res, err := intake.Accept(ctx, completedInput(t, client, "evt-1", "order-1"))
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if res.Outcome != OutcomeApplied {
			t.Fatalf("expected applied, got %s", res.Outcome)
		}
		if got := store.ticketCount(); got != 2 {
			t.Fatalf("expected 2 tickets, got %d", got)
		}

		event := storedEvent(t, store, "evt-1")
		if event.Processing != domain.ProcessingProcessed {
			t.Fatalf("event not marked processed: %s", event.Processing)
		}
		if event.OrderID == nil || *event.OrderID != "order-1" {
			t.Fatalf("event not linked to order: %+v", event.OrderID)
		}
	})

	t.Run("redelivery applies zero times", func(t *testing.T) {
		t.Parallel()
		intake, store, _, client := newIntakeFixture(t)
		store.addTicketType("tt-1", intPtr(10))
		store.addOrder(pendingOrder("order-1", domain.ProcessorCard, domain.OrderLine{TicketTypeID: "tt-1", Quantity: 2}))

		in := completedInput(t, client, "evt-1", "order-1")
		if _, err := intake.Accept(ctx, in); err != nil {
			t.Fatalf("first accept: %v", err)
		}

		res, err := intake.Accept(ctx, in)
		if err != nil {
			t.Fatalf("second accept: %v", err)
		}
		if res.Outcome != OutcomeDuplicate {
			t.Fatalf("expected duplicate, got %s", res.Outcome)
		}
		if got := store.ticketCount(); got != 2 {
			t.Fatalf("redelivery issued tickets: %d total", got)
		}
		if got := store.soldCount("tt-1"); got != 2 {
			t.Fatalf("redelivery moved the ledger: sold %d", got)
		}
	})

	t.Run("bad signature is stored inert", func(t *testing.T) {
		t.Parallel()
		intake, store, _, client := newIntakeFixture(t)
		store.addTicketType("tt-1", intPtr(10))
		store.addOrder(pendingOrder("order-1", domain.ProcessorCard, domain.OrderLine{TicketTypeID: "tt-1", Quantity: 1}))

		in := completedInput(t, client, "evt-1", "order-1")
		in.Signature = "deadbeef"

		res, err := intake.Accept(ctx, in)
		if !errors.Is(err, domain.ErrVerificationFailed) {
			t.Fatalf("expected ErrVerificationFailed, got %v", err)
		}
		if res.Outcome != OutcomeInvalidSignature {
			t.Fatalf("expected invalid_signature, got %s", res.Outcome)
		}
		if got := store.ticketCount(); got != 0 {
			t.Fatalf("unverified event issued tickets: %d", got)
		}
		event := storedEvent(t, store, "evt-1")
		if event.Verification != domain.VerificationBadSig || event.Processing != domain.ProcessingSkipped {
			t.Fatalf("event not stored inert: %+v", event)
		}
	})

	t.Run("valid redelivery revives an invalid-signature event", func(t *testing.T) {
		t.Parallel()
		intake, store, _, client := newIntakeFixture(t)
		store.addTicketType("tt-1", intPtr(10))
		store.addOrder(pendingOrder("order-1", domain.ProcessorCard, domain.OrderLine{TicketTypeID: "tt-1", Quantity: 1}))

		in := completedInput(t, client, "evt-1", "order-1")
		tampered := in
		tampered.Signature = "deadbeef"
		if _, err := intake.Accept(ctx, tampered); !errors.Is(err, domain.ErrVerificationFailed) {
			t.Fatalf("expected ErrVerificationFailed, got %v", err)
		}

		res, err := intake.Accept(ctx, in)
		if err != nil {
			t.Fatalf("redelivery: %v", err)
		}
		if res.Outcome != OutcomeApplied {
			t.Fatalf("expected applied, got %s", res.Outcome)
		}
		if got := store.ticketCount(); got != 1 {
			t.Fatalf("expected 1 ticket, got %d", got)
		}
	})

	t.Run("redelivery applies a verified row stuck at pending", func(t *testing.T) {
		t.Parallel()
		intake, store, clk, client := newIntakeFixture(t)
		store.addTicketType("tt-1", intPtr(10))
		store.addOrder(pendingOrder("order-1", domain.ProcessorCard, domain.OrderLine{TicketTypeID: "tt-1", Quantity: 1}))

		// A crash between insert and dispatch leaves the row verified and
		// pending with no retry scheduled; redelivery must apply it.
		in := completedInput(t, client, "evt-1", "order-1")
		if err := store.Insert(ctx, domain.ProviderEvent{
			ID:              newID(),
			Provider:        in.Provider,
			ProviderEventID: in.ProviderEventID,
			Type:            in.Type,
			Payload:         in.Payload,
			Verification:    domain.VerificationVerified,
			Processing:      domain.ProcessingPending,
			ReceivedAt:      clk.Now(),
		}); err != nil {
			t.Fatalf("seed event: %v", err)
		}

		res, err := intake.Accept(ctx, in)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if res.Outcome != OutcomeApplied {
			t.Fatalf("expected applied, got %s", res.Outcome)
		}
		if got := store.ticketCount(); got != 1 {
			t.Fatalf("expected 1 ticket, got %d", got)
		}
		event := storedEvent(t, store, "evt-1")
		if event.Processing != domain.ProcessingProcessed {
			t.Fatalf("stuck event not applied: %s", event.Processing)
		}
	})

	t.Run("unhandled event types are skipped", func(t *testing.T) {
		t.Parallel()
		intake, store, _, client := newIntakeFixture(t)

		in := completedInput(t, client, "evt-1", "order-1")
		in.Type = "customer.updated"
		in.Signature = client.Sign(in.Payload)

		res, err := intake.Accept(ctx, in)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if res.Outcome != OutcomeSkipped {
			t.Fatalf("expected skipped, got %s", res.Outcome)
		}
		event := storedEvent(t, store, "evt-1")
		if event.Processing != domain.ProcessingSkipped {
			t.Fatalf("event not skipped: %s", event.Processing)
		}
	})

	t.Run("malformed payload fails terminally", func(t *testing.T) {
		t.Parallel()
		intake, store, _, client := newIntakeFixture(t)

		payload := []byte(`{"processor_ref":"ch_123"}`)
		in := AcceptInput{
			Provider:        "cardco",
			ProviderEventID: "evt-1",
			Type:            "payment.completed",
			Payload:         payload,
			Signature:       client.Sign(payload),
		}

		if _, err := intake.Accept(ctx, in); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		event := storedEvent(t, store, "evt-1")
		if event.Processing != domain.ProcessingFailed || event.NextAttemptAt != nil {
			t.Fatalf("malformed payload scheduled a retry: %+v", event)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		intake, _, _, client := newIntakeFixture(t)

		in := completedInput(t, client, "evt-1", "order-1")
		in.Provider = "nobody"
		if _, err := intake.Accept(ctx, in); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("missing ids are rejected", func(t *testing.T) {
		t.Parallel()
		intake, _, _, client := newIntakeFixture(t)

		in := completedInput(t, client, "", "order-1")
		if _, err := intake.Accept(ctx, in); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

// An event arriving before its order exists must be retried with doubling
// backoff and succeed once the order shows up.
func TestIntakeService_RetryAfterOutOfOrderDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	intake, store, clk, client := newIntakeFixture(t)
	store.addTicketType("tt-1", intPtr(10))

	res, err := intake.Accept(ctx, completedInput(t, client, "evt-1", "order-1"))
	if err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	if res.Outcome != OutcomeRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", res.Outcome)
	}

	event := storedEvent(t, store, "evt-1")
	if event.RetryCount != 1 || event.NextAttemptAt == nil {
		t.Fatalf("retry not scheduled: %+v", event)
	}
	if want := clk.Now().Add(30 * time.Second); !event.NextAttemptAt.Equal(want) {
		t.Fatalf("expected next attempt at %v, got %v", want, *event.NextAttemptAt)
	}

	// Not due yet.
	applied, err := intake.ProcessDue(ctx, 10)
	if err != nil || applied != 0 {
		t.Fatalf("expected no due events, got applied=%d err=%v", applied, err)
	}

	store.addOrder(pendingOrder("order-1", domain.ProcessorCard, domain.OrderLine{TicketTypeID: "tt-1", Quantity: 1}))
	clk.Advance(30 * time.Second)

	applied, err = intake.ProcessDue(ctx, 10)
	if err != nil {
		t.Fatalf("process due: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied event, got %d", applied)
	}
	if got := store.ticketCount(); got != 1 {
		t.Fatalf("expected 1 ticket, got %d", got)
	}
	event = storedEvent(t, store, "evt-1")
	if event.Processing != domain.ProcessingProcessed {
		t.Fatalf("event not processed after retry: %s", event.Processing)
	}
}

func TestIntakeService_RetriesExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	intake, store, clk, client := newIntakeFixture(t)
	store.addTicketType("tt-1", intPtr(10))
	// order-1 never arrives.

	if _, err := intake.Accept(ctx, completedInput(t, client, "evt-1", "order-1")); err == nil {
		t.Fatal("expected the first attempt to fail")
	}

	// Second attempt: backoff doubles from 30s to 60s.
	clk.Advance(30 * time.Second)
	if _, err := intake.ProcessDue(ctx, 10); err != nil {
		t.Fatalf("process due: %v", err)
	}
	event := storedEvent(t, store, "evt-1")
	if event.RetryCount != 2 || event.NextAttemptAt == nil {
		t.Fatalf("second retry not scheduled: %+v", event)
	}
	if want := clk.Now().Add(60 * time.Second); !event.NextAttemptAt.Equal(want) {
		t.Fatalf("expected next attempt at %v, got %v", want, *event.NextAttemptAt)
	}

	// Third attempt exhausts the budget.
	clk.Advance(60 * time.Second)
	if _, err := intake.ProcessDue(ctx, 10); err != nil {
		t.Fatalf("process due: %v", err)
	}
	event = storedEvent(t, store, "evt-1")
	if event.RetryCount != 3 || event.NextAttemptAt != nil || event.Processing != domain.ProcessingFailed {
		t.Fatalf("event not terminal after final attempt: %+v", event)
	}

	// Nothing is due anymore.
	clk.Advance(time.Hour)
	applied, err := intake.ProcessDue(ctx, 10)
	if err != nil || applied != 0 {
		t.Fatalf("terminal event came back: applied=%d err=%v", applied, err)
	}
	if got := store.ticketCount(); got != 0 {
		t.Fatalf("failed event issued tickets: %d", got)
	}
}
