// Package replay caches signed responses keyed by payment authorization so a
// token is executed at most once. Rows expire with the token; a bounded
// in-memory store is the reference implementation and a Redis-backed store
// offers the same contract for multi-process deployments.
package replay

import (
	"context"
	"time"
)

// Row is one cached response. It carries everything needed to serve a
// duplicate request byte-identically, including the original attestation
// headers and signature.
type Row struct {
	Key                  string            `json:"key"`
	ExpiresAtMs          int64             `json:"expiresAtMs"`
	StatusCode           int               `json:"statusCode"`
	Headers              map[string]string `json:"headers"`
	ContentType          string            `json:"contentType"`
	BodyBytes            []byte            `json:"bodyBytes"`
	Signature            string            `json:"signature"`
	RequestBindingMode   string            `json:"requestBindingMode"`
	RequestBindingSHA256 string            `json:"requestBindingSha256,omitempty"`
}

// Expired reports whether the row is no longer servable at now.
func (r Row) Expired(now time.Time) bool {
	return now.UnixMilli() >= r.ExpiresAtMs
}

// Store is the replay cache contract. Get returns nil when the key is
// missing or expired at now. Implementations must tolerate concurrent
// callers on the same key.
type Store interface {
	Get(ctx context.Context, key string, now time.Time) (*Row, error)
	Set(ctx context.Context, key string, row Row, now time.Time) error
}

// Key picks the replay key for a verified payment: the authorization
// reference when present, else the gate id, else the token hash.
func Key(authorizationRef, gateID, tokenSHA256 string) string {
	if authorizationRef != "" {
		return authorizationRef
	}
	if gateID != "" {
		return gateID
	}
	return tokenSHA256
}
