package app

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/bravoline/boxoffice/internal/domain"
)

// fakeStore is an in-memory stand-in for the Postgres repositories. WithTx
// serializes callers and restores a snapshot on error, mirroring row locks
// and rollback closely enough for the concurrency properties to be exercised
// with plain goroutines.
type fakeStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	ticketTypes  map[string]domain.TicketType
	reservations map[string]domain.Reservation
	orders       map[string]domain.Order
	tickets      []domain.Ticket
	events       map[string]domain.ProviderEvent

	nextSeq int
}

type fakeTxKey struct{}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ticketTypes:  make(map[string]domain.TicketType),
		reservations: make(map[string]domain.Reservation),
		orders:       make(map[string]domain.Order),
		events:       make(map[string]domain.ProviderEvent),
	}
}

func (f *fakeStore) addTicketType(id string, max *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticketTypes[id] = domain.TicketType{
		ID:          id,
		EventID:     "event-1",
		Name:        "General Admission",
		PriceCents:  2500,
		Currency:    "EUR",
		MaxQuantity: max,
		Status:      domain.TicketTypeAvailable,
	}
}

func (f *fakeStore) addReservation(r domain.Reservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		f.nextSeq++
		r.ID = "res-" + strconv.Itoa(f.nextSeq)
	}
	f.reservations[r.ID] = r
}

func (f *fakeStore) addOrder(o domain.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
}

func (f *fakeStore) ticketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickets)
}

func (f *fakeStore) soldCount(ticketTypeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticketTypes[ticketTypeID].SoldCount
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(fakeTxKey{}) != nil {
		return fn(ctx)
	}

	f.txMu.Lock()
	defer f.txMu.Unlock()

	snap := f.snapshot()
	if err := fn(context.WithValue(ctx, fakeTxKey{}, true)); err != nil {
		f.restore(snap)
		return err
	}
	return nil
}

type storeSnapshot struct {
	ticketTypes  map[string]domain.TicketType
	reservations map[string]domain.Reservation
	orders       map[string]domain.Order
	tickets      []domain.Ticket
	events       map[string]domain.ProviderEvent
}

func (f *fakeStore) snapshot() storeSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := storeSnapshot{
		ticketTypes:  make(map[string]domain.TicketType, len(f.ticketTypes)),
		reservations: make(map[string]domain.Reservation, len(f.reservations)),
		orders:       make(map[string]domain.Order, len(f.orders)),
		tickets:      append([]domain.Ticket(nil), f.tickets...),
		events:       make(map[string]domain.ProviderEvent, len(f.events)),
	}
	for k, v := range f.ticketTypes {
		snap.ticketTypes[k] = v
	}
	for k, v := range f.reservations {
		snap.reservations[k] = v
	}
	for k, v := range f.orders {
		snap.orders[k] = v
	}
	for k, v := range f.events {
		snap.events[k] = v
	}
	return snap
}

func (f *fakeStore) restore(snap storeSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticketTypes = snap.ticketTypes
	f.reservations = snap.reservations
	f.orders = snap.orders
	f.tickets = snap.tickets
	f.events = snap.events
}

// --- LedgerRepository ---

func (f *fakeStore) GetTicketType(_ context.Context, id string) (domain.TicketType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tt, ok := f.ticketTypes[id]
	if !ok {
		return domain.TicketType{}, domain.ErrNotFound
	}
	return tt, nil
}

func (f *fakeStore) TryDecrement(_ context.Context, id string, qty int, mode domain.Mode) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tt, ok := f.ticketTypes[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if mode == domain.ModeTest {
		tt.TestSoldCount += qty
		f.ticketTypes[id] = tt
		return tt.TestSoldCount, nil
	}
	if tt.MaxQuantity != nil && tt.SoldCount+qty > *tt.MaxQuantity {
		return 0, domain.ErrCapacityExceeded
	}
	tt.SoldCount += qty
	f.ticketTypes[id] = tt
	return tt.SoldCount, nil
}

func (f *fakeStore) Increment(_ context.Context, id string, qty int, mode domain.Mode) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tt, ok := f.ticketTypes[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if mode == domain.ModeTest {
		tt.TestSoldCount -= qty
		if tt.TestSoldCount < 0 {
			tt.TestSoldCount = 0
		}
		f.ticketTypes[id] = tt
		return tt.TestSoldCount, nil
	}
	tt.SoldCount -= qty
	if tt.SoldCount < 0 {
		tt.SoldCount = 0
	}
	f.ticketTypes[id] = tt
	return tt.SoldCount, nil
}

func (f *fakeStore) SumActiveReservations(_ context.Context, id string, now time.Time) (int, error) {
	return f.sumActive(id, now), nil
}

// --- ReservationRepository ---

func (f *fakeStore) GetTicketTypeForUpdate(ctx context.Context, id string) (domain.TicketType, error) {
	return f.GetTicketType(ctx, id)
}

func (f *fakeStore) FindActiveBySession(_ context.Context, ticketTypeID, sessionID string, now time.Time) (*domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reservations {
		if r.TicketTypeID == ticketTypeID && r.SessionID == sessionID && r.ActiveAt(now) {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SumActive(_ context.Context, ticketTypeID string, now time.Time) (int, error) {
	return f.sumActive(ticketTypeID, now), nil
}

func (f *fakeStore) sumActive(ticketTypeID string, now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, r := range f.reservations {
		if r.TicketTypeID == ticketTypeID && r.ActiveAt(now) {
			total += r.Quantity
		}
	}
	return total
}

func (f *fakeStore) Create(_ context.Context, reservation domain.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reservations[reservation.ID] = reservation
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) Transition(_ context.Context, id string, from, to domain.ReservationStatus, orderID *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	if orderID != nil {
		r.OrderID = orderID
	}
	f.reservations[id] = r
	return true, nil
}

func (f *fakeStore) ExpireDue(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, r := range f.reservations {
		if r.Status == domain.ReservationActive && r.ExpiresAt.Before(now) {
			r.Status = domain.ReservationExpired
			f.reservations[id] = r
			n++
		}
	}
	return n, nil
}

// --- FulfillmentRepository ---

func (f *fakeStore) CreateOrder(_ context.Context, order domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order.IdempotencyKey != "" {
		for _, o := range f.orders {
			if o.Processor == order.Processor && o.IdempotencyKey == order.IdempotencyKey {
				return domain.ErrIdempotencyConflict
			}
		}
	}
	f.orders[order.ID] = order
	return nil
}

func (f *fakeStore) GetOrderForUpdate(_ context.Context, orderID string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (f *fakeStore) FindOrderByIdempotencyKey(_ context.Context, processor domain.Processor, key string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.Processor == processor && o.IdempotencyKey == key {
			out := o
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) MarkOrderCompleted(_ context.Context, orderID, processorRef string, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != domain.OrderPending {
		return domain.ErrInvalidState
	}
	o.Status = domain.OrderCompleted
	o.ProcessorRef = processorRef
	o.CompletedAt = &completedAt
	f.orders[orderID] = o
	return nil
}

func (f *fakeStore) RecordRefund(_ context.Context, orderID, ticketTypeID string, qty int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return false, nil
	}
	// Copy the lines so snapshots taken by WithTx stay untouched.
	lines := append([]domain.OrderLine(nil), o.Lines...)
	for i := range lines {
		if lines[i].TicketTypeID != ticketTypeID {
			continue
		}
		if lines[i].RefundedQuantity+qty > lines[i].Quantity {
			return false, nil
		}
		lines[i].RefundedQuantity += qty
		o.Lines = lines
		f.orders[orderID] = o
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) MarkOrderStatus(_ context.Context, orderID string, status domain.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = status
	f.orders[orderID] = o
	return nil
}

func (f *fakeStore) CreateTickets(_ context.Context, tickets []domain.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets = append(f.tickets, tickets...)
	return nil
}

func (f *fakeStore) TicketsByOrder(_ context.Context, orderID string) ([]domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Ticket
	for _, t := range f.tickets {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- ProviderEventRepository ---

func (f *fakeStore) Insert(_ context.Context, event domain.ProviderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			return domain.ErrDuplicateEvent
		}
	}
	f.events[event.ID] = event
	return nil
}

func (f *fakeStore) GetByProviderEventID(_ context.Context, providerName, providerEventID string) (*domain.ProviderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Provider == providerName && e.ProviderEventID == providerEventID {
			out := e
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) MarkVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok || e.Verification != domain.VerificationBadSig {
		return domain.ErrInvalidState
	}
	e.Verification = domain.VerificationVerified
	e.Processing = domain.ProcessingPending
	f.events[id] = e
	return nil
}

func (f *fakeStore) MarkProcessed(_ context.Context, id string, orderID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok || (e.Processing != domain.ProcessingPending && e.Processing != domain.ProcessingFailed) {
		return domain.ErrInvalidState
	}
	e.Processing = domain.ProcessingProcessed
	e.OrderID = orderID
	e.NextAttemptAt = nil
	f.events[id] = e
	return nil
}

func (f *fakeStore) MarkSkipped(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Processing = domain.ProcessingSkipped
	e.LastError = reason
	f.events[id] = e
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id string, retryCount int, lastError string, nextAttemptAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Processing = domain.ProcessingFailed
	e.RetryCount = retryCount
	e.LastError = lastError
	e.NextAttemptAt = nextAttemptAt
	f.events[id] = e
	return nil
}

func (f *fakeStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.ProviderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ProviderEvent
	for _, e := range f.events {
		if e.Processing == domain.ProcessingFailed && e.NextAttemptAt != nil && !e.NextAttemptAt.After(now) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
