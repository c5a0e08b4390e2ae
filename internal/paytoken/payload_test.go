package paytoken

import (
	"strings"
	"testing"
)

func validPayload() Payload {
	return Payload{
		Iss:              "svc_treasury",
		Aud:              "prov_publish_demo",
		GateID:           "gate_bridge_search",
		AuthorizationRef: "auth_7f3a2b",
		AmountCents:      500,
		Currency:         "USD",
		PayeeProviderID:  "prov_publish_demo",
		Iat:              1_760_000_000,
		Exp:              1_760_000_300,
	}
}

// ── Normalize: accepted shapes ────────────────────────────────────────────────

func TestNormalize_MinimalPayload(t *testing.T) {
	got, err := validPayload().Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.SpendAuthorizationVersion != "" {
		t.Errorf("spendAuthorizationVersion defaulted without spend-auth claims: %q", got.SpendAuthorizationVersion)
	}
}

func TestNormalize_CurrencyUppercased(t *testing.T) {
	p := validPayload()
	p.Currency = "usd"
	got, err := p.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Currency != "USD" {
		t.Errorf("currency: got %q want USD", got.Currency)
	}
}

func TestNormalize_PolicyFingerprintLowercased(t *testing.T) {
	p := validPayload()
	p.PolicyFingerprint = strings.ToUpper(strings.Repeat("ab12", 16))
	got, err := p.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.PolicyFingerprint != strings.Repeat("ab12", 16) {
		t.Errorf("policyFingerprint not lowercased: %q", got.PolicyFingerprint)
	}
}

func TestNormalize_SpendAuthVersionDefaulted(t *testing.T) {
	cases := map[string]func(*Payload){
		"sponsorRef":        func(p *Payload) { p.SponsorRef = "sponsor_1" },
		"sponsorWalletRef":  func(p *Payload) { p.SponsorWalletRef = "wallet_1" },
		"agentKeyId":        func(p *Payload) { p.AgentKeyID = "agent_key_1" },
		"delegationRef":     func(p *Payload) { p.DelegationRef = "deleg_1" },
		"policyVersion":     func(p *Payload) { p.PolicyVersion = "pol.v3" },
		"policyFingerprint": func(p *Payload) { p.PolicyFingerprint = strings.Repeat("cd", 32) },
	}
	for name, set := range cases {
		p := validPayload()
		set(&p)
		got, err := p.Normalize()
		if err != nil {
			t.Errorf("%s: Normalize: %v", name, err)
			continue
		}
		if got.SpendAuthorizationVersion != SpendAuthorizationVersion {
			t.Errorf("%s: version not defaulted, got %q", name, got.SpendAuthorizationVersion)
		}
	}

	// quoteId, idempotencyKey, and nonce do not trigger the default.
	p := validPayload()
	p.QuoteID = "pquote_abc"
	p.IdempotencyKey = "idem_1"
	p.Nonce = "nonce_1"
	got, err := p.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if got.SpendAuthorizationVersion != "" {
		t.Errorf("non-spend-auth claims triggered version default: %q", got.SpendAuthorizationVersion)
	}

	// An explicit version survives.
	p = validPayload()
	p.SponsorRef = "sponsor_1"
	p.SpendAuthorizationVersion = "SpendAuthorization.v2"
	got, _ = p.Normalize()
	if got.SpendAuthorizationVersion != "SpendAuthorization.v2" {
		t.Errorf("explicit version overwritten: %q", got.SpendAuthorizationVersion)
	}
}

// ── Normalize: rejected shapes ────────────────────────────────────────────────

func TestNormalize_Rejections(t *testing.T) {
	cases := map[string]func(*Payload){
		"missing iss":            func(p *Payload) { p.Iss = "" },
		"missing aud":            func(p *Payload) { p.Aud = "" },
		"missing gateId":         func(p *Payload) { p.GateID = "" },
		"missing authRef":        func(p *Payload) { p.AuthorizationRef = "" },
		"missing payee":          func(p *Payload) { p.PayeeProviderID = "" },
		"id with space":          func(p *Payload) { p.GateID = "gate id" },
		"id with slash":          func(p *Payload) { p.Aud = "prov/x" },
		"id too long":            func(p *Payload) { p.Iss = strings.Repeat("a", 201) },
		"zero amount":            func(p *Payload) { p.AmountCents = 0 },
		"negative amount":        func(p *Payload) { p.AmountCents = -5 },
		"unsafe amount":          func(p *Payload) { p.AmountCents = 1 << 53 },
		"bad currency":           func(p *Payload) { p.Currency = "US" },
		"currency leading digit": func(p *Payload) { p.Currency = "1SD" },
		"currency too long":      func(p *Payload) { p.Currency = "ABCDEFGHIJKLM" },
		"zero iat":               func(p *Payload) { p.Iat = 0 },
		"exp equals iat":         func(p *Payload) { p.Exp = p.Iat },
		"exp before iat":         func(p *Payload) { p.Exp = p.Iat - 10 },
		"bad binding mode":       func(p *Payload) { p.RequestBindingMode = "loose" },
		"binding hash uppercase": func(p *Payload) { p.RequestBindingSHA256 = strings.ToUpper(strings.Repeat("ab", 32)) },
		"binding hash short":     func(p *Payload) { p.RequestBindingSHA256 = "abcd" },
		"quote hash short":       func(p *Payload) { p.QuoteSHA256 = "abcd" },
		"bad quoteId":            func(p *Payload) { p.QuoteID = "quote id" },
		"nonce too long":         func(p *Payload) { p.Nonce = strings.Repeat("n", 257) },
		"policy fp not hex":      func(p *Payload) { p.PolicyFingerprint = strings.Repeat("zz", 32) },
	}
	for name, mutate := range cases {
		p := validPayload()
		mutate(&p)
		if _, err := p.Normalize(); err == nil {
			t.Errorf("%s: expected error, got none", name)
		}
	}
}

func TestNormalize_StrictWithoutHashAllowedHere(t *testing.T) {
	// Verify reports this case with its own binding code, so Normalize
	// must pass it through.
	p := validPayload()
	p.RequestBindingMode = BindingStrict
	if _, err := p.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
}
