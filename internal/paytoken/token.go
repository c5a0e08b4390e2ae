package paytoken

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nooterra-labs/paygate/internal/canonjson"
	"github.com/nooterra-labs/paygate/internal/keys"
	"github.com/nooterra-labs/paygate/internal/keyset"
)

// EnvelopeVersion is the only token envelope version in circulation.
const EnvelopeVersion = 1

// Verification failure codes. Consumers retry with a fresh quote and
// token; the gate never retries on its own.
const (
	CodeUnknownKid             = "NOOTERRA_PAY_UNKNOWN_KID"
	CodeSignatureInvalid       = "NOOTERRA_PAY_SIGNATURE_INVALID"
	CodePayloadInvalid         = "NOOTERRA_PAY_PAYLOAD_INVALID"
	CodeExpired                = "NOOTERRA_PAY_EXPIRED"
	CodeAudienceMismatch       = "NOOTERRA_PAY_AUDIENCE_MISMATCH"
	CodePayeeMismatch          = "NOOTERRA_PAY_PAYEE_MISMATCH"
	CodeRequestBindingMissing  = "NOOTERRA_PAY_REQUEST_BINDING_MISSING"
	CodeRequestBindingRequired = "NOOTERRA_PAY_REQUEST_BINDING_REQUIRED"
	CodeRequestBindingMismatch = "NOOTERRA_PAY_REQUEST_BINDING_MISMATCH"
)

// VerifyError is a verification failure with a stable code.
type VerifyError struct {
	Code    string
	Message string
}

func (e *VerifyError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func verifyErr(code, format string, args ...any) *VerifyError {
	return &VerifyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Envelope is the signed wire form before base64url encoding.
type Envelope struct {
	V       int64   `json:"v"`
	Kid     string  `json:"kid"`
	Payload Payload `json:"payload"`
	Sig     string  `json:"sig"`
}

// MintOptions name the payload and signing key for Mint. The key id is
// derived from PublicKeyPEM when given; a bare KeyID is accepted instead,
// and when both are set they must agree.
type MintOptions struct {
	Payload       Payload
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
}

// MintResult carries the encoded token and its fingerprints.
type MintResult struct {
	Token          string
	TokenSHA256    string
	Kid            string
	PayloadHashHex string
}

// Mint normalizes the payload, signs its canonical-JSON hash, and
// returns the base64url token.
func Mint(opts MintOptions) (MintResult, error) {
	payload, err := opts.Payload.Normalize()
	if err != nil {
		return MintResult{}, fmt.Errorf("%s: %w", CodePayloadInvalid, err)
	}
	if payload.RequestBindingMode == BindingStrict && payload.RequestBindingSHA256 == "" {
		return MintResult{}, fmt.Errorf("%s: strict binding requires requestBindingSha256", CodePayloadInvalid)
	}
	if opts.PrivateKeyPEM == "" {
		return MintResult{}, fmt.Errorf("privateKeyPem is required")
	}

	kid := opts.KeyID
	if opts.PublicKeyPEM != "" {
		derived, err := keys.KeyIDFromPublicKeyPEM(opts.PublicKeyPEM)
		if err != nil {
			return MintResult{}, err
		}
		if kid != "" && kid != derived {
			return MintResult{}, fmt.Errorf("keyId %q does not match publicKeyPem", kid)
		}
		kid = derived
	}
	if kid == "" {
		return MintResult{}, fmt.Errorf("publicKeyPem or keyId is required")
	}

	payloadHashHex, err := canonjson.Hash(payload)
	if err != nil {
		return MintResult{}, fmt.Errorf("%s: %w", CodePayloadInvalid, err)
	}
	sig, err := keys.SignHashHex(payloadHashHex, opts.PrivateKeyPEM)
	if err != nil {
		return MintResult{}, err
	}

	envBytes, err := canonjson.Marshal(Envelope{
		V:       EnvelopeVersion,
		Kid:     kid,
		Payload: payload,
		Sig:     sig,
	})
	if err != nil {
		return MintResult{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(envBytes)
	return MintResult{
		Token:          token,
		TokenSHA256:    canonjson.SHA256Hex([]byte(token)),
		Kid:            kid,
		PayloadHashHex: payloadHashHex,
	}, nil
}

// Expectations are the verifier-side claims a token must satisfy. Empty
// fields are not checked; RequestBindingSHA256 must be set whenever the
// request was priced under strict binding.
type Expectations struct {
	Audience             string
	PayeeProviderID      string
	RequestBindingSHA256 string
}

// Verification is the successful verify result.
type Verification struct {
	Payload        Payload
	Kid            string
	TokenSHA256    string
	PayloadHashHex string
}

// Verify decodes the token, checks it against the keyset, and enforces
// expiry, audience, payee, and request-binding expectations. The error,
// when non-nil, is always a *VerifyError with a stable code.
func Verify(token string, ks *keyset.Keyset, nowUnixSeconds int64, want Expectations) (*Verification, *VerifyError) {
	raw, env, perr := decodeEnvelope(token)
	if perr != nil {
		return nil, perr
	}

	key, ok := ks.Lookup(env.Kid)
	if !ok {
		return nil, verifyErr(CodeUnknownKid, "kid %s not in keyset", env.Kid)
	}

	// Hash exactly the payload bytes that were signed; the struct form
	// would silently drop anything it does not model.
	payloadHashHex, err := canonjson.Hash(json.RawMessage(raw))
	if err != nil {
		return nil, verifyErr(CodePayloadInvalid, "payload not canonicalizable: %v", err)
	}
	okSig, err := keys.VerifyHashHex(payloadHashHex, env.Sig, key.PublicKeyPEM)
	if err != nil || !okSig {
		return nil, verifyErr(CodeSignatureInvalid, "signature does not verify for kid %s", env.Kid)
	}

	var payload Payload
	if err := strictUnmarshal(raw, &payload); err != nil {
		return nil, verifyErr(CodePayloadInvalid, "%v", err)
	}
	payload, err = payload.Normalize()
	if err != nil {
		return nil, verifyErr(CodePayloadInvalid, "%v", err)
	}

	if nowUnixSeconds > payload.Exp {
		return nil, verifyErr(CodeExpired, "token expired at %d", payload.Exp)
	}
	if want.Audience != "" && payload.Aud != want.Audience {
		return nil, verifyErr(CodeAudienceMismatch, "aud %q is not %q", payload.Aud, want.Audience)
	}
	if want.PayeeProviderID != "" && payload.PayeeProviderID != want.PayeeProviderID {
		return nil, verifyErr(CodePayeeMismatch, "payeeProviderId %q is not %q", payload.PayeeProviderID, want.PayeeProviderID)
	}

	tokenStrict := payload.RequestBindingMode == BindingStrict
	if (tokenStrict || want.RequestBindingSHA256 != "") && payload.RequestBindingSHA256 == "" {
		return nil, verifyErr(CodeRequestBindingMissing, "token carries no requestBindingSha256")
	}
	if tokenStrict && want.RequestBindingSHA256 == "" {
		return nil, verifyErr(CodeRequestBindingRequired, "verifier supplied no expected request binding")
	}
	if want.RequestBindingSHA256 != "" && payload.RequestBindingSHA256 != want.RequestBindingSHA256 {
		return nil, verifyErr(CodeRequestBindingMismatch, "request binding does not match token")
	}

	return &Verification{
		Payload:        payload,
		Kid:            env.Kid,
		TokenSHA256:    canonjson.SHA256Hex([]byte(token)),
		PayloadHashHex: payloadHashHex,
	}, nil
}

// DecodeUnverified parses a token without checking its signature, for
// diagnostics tooling only.
func DecodeUnverified(token string) (*Envelope, error) {
	raw, env, perr := decodeEnvelope(token)
	if perr != nil {
		return nil, perr
	}
	var payload Payload
	if err := strictUnmarshal(raw, &payload); err != nil {
		return nil, verifyErr(CodePayloadInvalid, "%v", err)
	}
	return &Envelope{V: env.V, Kid: env.Kid, Payload: payload, Sig: env.Sig}, nil
}

type rawEnvelope struct {
	V       int64           `json:"v"`
	Kid     string          `json:"kid"`
	Payload json.RawMessage `json:"payload"`
	Sig     string          `json:"sig"`
}

func decodeEnvelope(token string) ([]byte, *rawEnvelope, *VerifyError) {
	envBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, nil, verifyErr(CodePayloadInvalid, "token is not base64url")
	}
	var env rawEnvelope
	if err := strictUnmarshal(envBytes, &env); err != nil {
		return nil, nil, verifyErr(CodePayloadInvalid, "envelope: %v", err)
	}
	if env.V != EnvelopeVersion {
		return nil, nil, verifyErr(CodePayloadInvalid, "unknown envelope version %d", env.V)
	}
	if env.Kid == "" || env.Sig == "" || len(env.Payload) == 0 {
		return nil, nil, verifyErr(CodePayloadInvalid, "envelope missing kid, payload, or sig")
	}
	return env.Payload, &env, nil
}

// strictUnmarshal rejects unknown fields so nothing rides along in a
// signed payload that the claim checks cannot see.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
