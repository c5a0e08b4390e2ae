// Package paytoken mints and verifies NooterraPay payment tokens:
// single-use, audience-bound, optionally request-bound Ed25519-signed
// payloads that authorize exactly one paid tool call.
package paytoken

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nooterra-labs/paygate/internal/canonjson"
)

// Request binding modes carried in payloads and offers.
const (
	BindingNone   = "none"
	BindingStrict = "strict"
)

// SpendAuthorizationVersion is the default version stamped onto payloads
// that carry any spend-authorization claim without naming one.
const SpendAuthorizationVersion = "SpendAuthorization.v1"

const (
	maxIDLen       = 200
	maxFreeformLen = 256
)

var (
	idPattern       = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)
	hex64Pattern    = regexp.MustCompile(`^[0-9a-f]{64}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{2,11}$`)
)

// Payload is a payment token payload, version 1. Optional claims are
// empty strings when absent; canonical serialization omits them.
type Payload struct {
	Iss              string `json:"iss"`
	Aud              string `json:"aud"`
	GateID           string `json:"gateId"`
	AuthorizationRef string `json:"authorizationRef"`
	AmountCents      int64  `json:"amountCents"`
	Currency         string `json:"currency"`
	PayeeProviderID  string `json:"payeeProviderId"`
	Iat              int64  `json:"iat"`
	Exp              int64  `json:"exp"`

	RequestBindingMode        string `json:"requestBindingMode,omitempty"`
	RequestBindingSHA256      string `json:"requestBindingSha256,omitempty"`
	QuoteID                   string `json:"quoteId,omitempty"`
	QuoteSHA256               string `json:"quoteSha256,omitempty"`
	IdempotencyKey            string `json:"idempotencyKey,omitempty"`
	Nonce                     string `json:"nonce,omitempty"`
	SponsorRef                string `json:"sponsorRef,omitempty"`
	SponsorWalletRef          string `json:"sponsorWalletRef,omitempty"`
	AgentKeyID                string `json:"agentKeyId,omitempty"`
	DelegationRef             string `json:"delegationRef,omitempty"`
	PolicyVersion             string `json:"policyVersion,omitempty"`
	PolicyFingerprint         string `json:"policyFingerprint,omitempty"`
	SpendAuthorizationVersion string `json:"spendAuthorizationVersion,omitempty"`
}

// Normalize validates the payload against the v1 shape rules and returns
// the normalized copy: currency uppercased, policyFingerprint lowercased,
// spendAuthorizationVersion defaulted when a spend-authorization claim is
// present. The strict-mode binding requirement is checked at mint and
// surfaced with its own code at verify, so it is not enforced here.
func (p Payload) Normalize() (Payload, error) {
	out := p

	for _, f := range []struct{ name, val string }{
		{"iss", p.Iss},
		{"aud", p.Aud},
		{"gateId", p.GateID},
		{"authorizationRef", p.AuthorizationRef},
		{"payeeProviderId", p.PayeeProviderID},
	} {
		if f.val == "" {
			return out, fmt.Errorf("%s is required", f.name)
		}
		if err := checkID(f.name, f.val); err != nil {
			return out, err
		}
	}

	if p.AmountCents <= 0 || p.AmountCents > canonjson.MaxSafeInt {
		return out, fmt.Errorf("amountCents must be a positive safe integer, got %d", p.AmountCents)
	}

	out.Currency = strings.ToUpper(p.Currency)
	if !currencyPattern.MatchString(out.Currency) {
		return out, fmt.Errorf("currency %q is not a valid code", p.Currency)
	}

	if p.Iat <= 0 || p.Iat > canonjson.MaxSafeInt {
		return out, fmt.Errorf("iat must be a positive safe integer, got %d", p.Iat)
	}
	if p.Exp <= p.Iat || p.Exp > canonjson.MaxSafeInt {
		return out, fmt.Errorf("exp must be a safe integer greater than iat")
	}

	switch p.RequestBindingMode {
	case "", BindingNone, BindingStrict:
	default:
		return out, fmt.Errorf("requestBindingMode %q is not none or strict", p.RequestBindingMode)
	}
	if p.RequestBindingSHA256 != "" && !hex64Pattern.MatchString(p.RequestBindingSHA256) {
		return out, fmt.Errorf("requestBindingSha256 is not lowercase 64-hex")
	}
	if p.QuoteSHA256 != "" && !hex64Pattern.MatchString(p.QuoteSHA256) {
		return out, fmt.Errorf("quoteSha256 is not lowercase 64-hex")
	}

	for _, f := range []struct{ name, val string }{
		{"quoteId", p.QuoteID},
		{"idempotencyKey", p.IdempotencyKey},
		{"sponsorRef", p.SponsorRef},
		{"sponsorWalletRef", p.SponsorWalletRef},
		{"agentKeyId", p.AgentKeyID},
		{"delegationRef", p.DelegationRef},
	} {
		if f.val == "" {
			continue
		}
		if err := checkID(f.name, f.val); err != nil {
			return out, err
		}
	}

	for _, f := range []struct{ name, val string }{
		{"nonce", p.Nonce},
		{"policyVersion", p.PolicyVersion},
		{"spendAuthorizationVersion", p.SpendAuthorizationVersion},
	} {
		if len(f.val) > maxFreeformLen {
			return out, fmt.Errorf("%s exceeds %d characters", f.name, maxFreeformLen)
		}
	}

	if p.PolicyFingerprint != "" {
		out.PolicyFingerprint = strings.ToLower(p.PolicyFingerprint)
		if !hex64Pattern.MatchString(out.PolicyFingerprint) {
			return out, fmt.Errorf("policyFingerprint is not 64-hex")
		}
	}

	if out.SpendAuthorizationVersion == "" && p.hasSpendAuthClaim() {
		out.SpendAuthorizationVersion = SpendAuthorizationVersion
	}
	return out, nil
}

// hasSpendAuthClaim reports whether any claim that only exists under a
// spend authorization is present. Claims with independent meanings
// (quoteId, idempotencyKey, nonce) do not trigger the version default.
func (p Payload) hasSpendAuthClaim() bool {
	return p.SponsorRef != "" ||
		p.SponsorWalletRef != "" ||
		p.AgentKeyID != "" ||
		p.DelegationRef != "" ||
		p.PolicyVersion != "" ||
		p.PolicyFingerprint != ""
}

func checkID(name, val string) error {
	if len(val) > maxIDLen {
		return fmt.Errorf("%s exceeds %d characters", name, maxIDLen)
	}
	if !idPattern.MatchString(val) {
		return fmt.Errorf("%s contains characters outside [A-Za-z0-9:_-]", name)
	}
	return nil
}
