// Package provider abstracts the external payment providers: webhook
// signature verification and settlement reports for reconciliation. Payment
// authorization itself never happens here.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/bravoline/boxoffice/internal/domain"
)

// SettlementTotals is one provider's self-reported gross for one day.
type SettlementTotals struct {
	Processor  domain.Processor
	Day        time.Time
	GrossCents int64
	Currency   string
}

// Client is the per-provider integration surface the core consumes.
type Client interface {
	// Name matches ProviderEvent.Provider.
	Name() string
	// VerifySignature checks payload authenticity. It must not perform any
	// state mutation; intake calls it before opening a transaction.
	VerifySignature(payload []byte, signature string) bool
	// FetchSettlement returns the provider-reported totals for one day.
	FetchSettlement(ctx context.Context, day time.Time) (SettlementTotals, error)
}

// Registry resolves provider clients by name.
type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	return &Registry{clients: m}
}

func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q: %w", name, domain.ErrNotFound)
	}
	return c, nil
}

func (r *Registry) All() []Client {
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
