// Package attest builds and verifies the provider's signed artifacts:
// the quote attestation returned with every 402 challenge and the
// response attestation attached to every paid result. Both sign the
// SHA-256 of canonical JSON, never the JSON text itself.
package attest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nooterra-labs/paygate/internal/canonjson"
)

// QuoteSchemaVersion names the quote attestation wire schema.
const QuoteSchemaVersion = "ToolProviderQuote.v1"

// AlgorithmEd25519 is the only signature algorithm in use.
const AlgorithmEd25519 = "ed25519"

// QuoteIDPrefix starts every derived quote id.
const QuoteIDPrefix = "pquote_"

// Quote is the server-derived offer a provider commits to on a 402.
type Quote struct {
	SchemaVersion          string `json:"schemaVersion"`
	ProviderID             string `json:"providerId"`
	ToolID                 string `json:"toolId"`
	AmountCents            int64  `json:"amountCents"`
	Currency               string `json:"currency"`
	Address                string `json:"address"`
	Network                string `json:"network"`
	RequestBindingMode     string `json:"requestBindingMode"`
	RequestBindingSHA256   string `json:"requestBindingSha256,omitempty"`
	QuoteRequired          bool   `json:"quoteRequired"`
	QuoteID                string `json:"quoteId"`
	SpendAuthorizationMode string `json:"spendAuthorizationMode"`
	QuotedAt               string `json:"quotedAt"`
	ExpiresAt              string `json:"expiresAt"`
}

// QuoteSignature proves a specific key saw a specific quote.
type QuoteSignature struct {
	Algorithm       string `json:"algorithm"`
	KeyID           string `json:"keyId"`
	PublicKeyPEM    string `json:"publicKeyPem"`
	SignedAt        string `json:"signedAt"`
	Nonce           string `json:"nonce"`
	QuoteHash       string `json:"quoteHash"`
	SignatureBase64 string `json:"signatureBase64"`
}

// ResponseSignature attests to the exact bytes of a paid response body.
type ResponseSignature struct {
	Algorithm       string `json:"algorithm"`
	KeyID           string `json:"keyId"`
	PublicKeyPEM    string `json:"publicKeyPem"`
	SignedAt        string `json:"signedAt"`
	Nonce           string `json:"nonce"`
	ResponseSHA256  string `json:"responseSha256"`
	SignatureBase64 string `json:"signatureBase64"`
}

// ComputeQuoteID derives the deterministic quote id for an offer bound
// to one method and path. Two requests agreeing on every input derive
// the same id, which is what lets a client present the id back.
func ComputeQuoteID(providerID, toolID string, amountCents int64, currency, requestBindingMode, requestBindingSHA256, method, pathWithQuery string) (string, error) {
	hash, err := canonjson.Hash(map[string]any{
		"providerId":           providerID,
		"toolId":               toolID,
		"amountCents":          amountCents,
		"currency":             currency,
		"requestBindingMode":   requestBindingMode,
		"requestBindingSha256": requestBindingSHA256,
		"method":               method,
		"pathWithQuery":        pathWithQuery,
	})
	if err != nil {
		return "", fmt.Errorf("derive quoteId: %w", err)
	}
	return QuoteIDPrefix + hash[:32], nil
}

// EncodeHeader renders v as base64url(canonicalJson(v)) for transport
// in an HTTP header.
func EncodeHeader(v any) (string, error) {
	b, err := canonjson.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeQuote parses an x-nooterra-provider-quote header value.
func DecodeQuote(headerValue string) (Quote, error) {
	var q Quote
	if err := decodeHeader(headerValue, &q); err != nil {
		return Quote{}, err
	}
	if q.SchemaVersion != QuoteSchemaVersion {
		return Quote{}, fmt.Errorf("unknown quote schema %q", q.SchemaVersion)
	}
	return q, nil
}

// DecodeQuoteSignature parses an x-nooterra-provider-quote-signature
// header value.
func DecodeQuoteSignature(headerValue string) (QuoteSignature, error) {
	var s QuoteSignature
	if err := decodeHeader(headerValue, &s); err != nil {
		return QuoteSignature{}, err
	}
	return s, nil
}

func decodeHeader(headerValue string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(headerValue)
	if err != nil {
		return fmt.Errorf("header is not base64url: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("header is not JSON: %w", err)
	}
	return nil
}
