package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SettlementFunc lets callers plug the provider's reporting API in without
// a full client implementation.
type SettlementFunc func(ctx context.Context, day time.Time) (SettlementTotals, error)

// HMACClient verifies webhook payloads with an HMAC-SHA256 shared secret,
// the scheme card and wallet providers use for notification signing.
type HMACClient struct {
	name       string
	secret     []byte
	settlement SettlementFunc
}

func NewHMACClient(name string, secret []byte, settlement SettlementFunc) *HMACClient {
	return &HMACClient{name: name, secret: secret, settlement: settlement}
}

func (c *HMACClient) Name() string {
	return c.name
}

func (c *HMACClient) VerifySignature(payload []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hmac.Equal(sig, mac.Sum(nil))
}

// Sign produces the signature for a payload. Used by tests and by manual
// replay tooling; providers compute the same value on their side.
func (c *HMACClient) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *HMACClient) FetchSettlement(ctx context.Context, day time.Time) (SettlementTotals, error) {
	if c.settlement == nil {
		return SettlementTotals{}, nil
	}
	return c.settlement(ctx, day)
}
