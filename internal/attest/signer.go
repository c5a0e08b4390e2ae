package attest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nooterra-labs/paygate/internal/canonjson"
	"github.com/nooterra-labs/paygate/internal/keys"
)

// Signer signs quotes and response bodies with the provider key.
type Signer struct {
	publicKeyPEM  string
	privateKeyPEM string
	keyID         string

	// Now is a test seam; nil means time.Now.
	Now func() time.Time
}

// NewSigner derives the key id up front so a bad keypair fails at
// construction.
func NewSigner(kp keys.Keypair) (*Signer, error) {
	kid, err := keys.KeyIDFromPublicKeyPEM(kp.PublicKeyPEM)
	if err != nil {
		return nil, err
	}
	if kp.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("%w: empty private key", keys.ErrKeyInvalid)
	}
	return &Signer{
		publicKeyPEM:  kp.PublicKeyPEM,
		privateKeyPEM: kp.PrivateKeyPEM,
		keyID:         kid,
	}, nil
}

// KeyID returns the signer's key id.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKeyPEM returns the signer's public key PEM.
func (s *Signer) PublicKeyPEM() string { return s.publicKeyPEM }

// SignQuote signs the canonical hash of the quote with a fresh nonce.
func (s *Signer) SignQuote(q Quote) (QuoteSignature, error) {
	quoteHash, err := canonjson.Hash(q)
	if err != nil {
		return QuoteSignature{}, fmt.Errorf("hash quote: %w", err)
	}
	sig, err := keys.SignHashHex(quoteHash, s.privateKeyPEM)
	if err != nil {
		return QuoteSignature{}, err
	}
	nonce, err := newNonce()
	if err != nil {
		return QuoteSignature{}, err
	}
	return QuoteSignature{
		Algorithm:       AlgorithmEd25519,
		KeyID:           s.keyID,
		PublicKeyPEM:    s.publicKeyPEM,
		SignedAt:        s.now().UTC().Format(time.RFC3339),
		Nonce:           nonce,
		QuoteHash:       quoteHash,
		SignatureBase64: sig,
	}, nil
}

// SignResponse signs the SHA-256 of the response body bytes.
func (s *Signer) SignResponse(body []byte) (ResponseSignature, error) {
	responseHash := canonjson.SHA256Hex(body)
	sig, err := keys.SignHashHex(responseHash, s.privateKeyPEM)
	if err != nil {
		return ResponseSignature{}, err
	}
	nonce, err := newNonce()
	if err != nil {
		return ResponseSignature{}, err
	}
	return ResponseSignature{
		Algorithm:       AlgorithmEd25519,
		KeyID:           s.keyID,
		PublicKeyPEM:    s.publicKeyPEM,
		SignedAt:        s.now().UTC().Format(time.RFC3339),
		Nonce:           nonce,
		ResponseSHA256:  responseHash,
		SignatureBase64: sig,
	}, nil
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// VerifyQuote checks a quote attestation: the hash must match the quote
// and the signature must verify under the embedded key, whose id must
// match its own derivation.
func VerifyQuote(q Quote, sig QuoteSignature) (bool, error) {
	if sig.Algorithm != AlgorithmEd25519 {
		return false, fmt.Errorf("unsupported algorithm %q", sig.Algorithm)
	}
	derived, err := keys.KeyIDFromPublicKeyPEM(sig.PublicKeyPEM)
	if err != nil {
		return false, err
	}
	if derived != sig.KeyID {
		return false, nil
	}
	quoteHash, err := canonjson.Hash(q)
	if err != nil {
		return false, err
	}
	if quoteHash != sig.QuoteHash {
		return false, nil
	}
	return keys.VerifyHashHex(quoteHash, sig.SignatureBase64, sig.PublicKeyPEM)
}

// VerifyResponse checks a response attestation against the body bytes.
func VerifyResponse(body []byte, sig ResponseSignature) (bool, error) {
	if sig.Algorithm != AlgorithmEd25519 {
		return false, fmt.Errorf("unsupported algorithm %q", sig.Algorithm)
	}
	derived, err := keys.KeyIDFromPublicKeyPEM(sig.PublicKeyPEM)
	if err != nil {
		return false, err
	}
	if derived != sig.KeyID {
		return false, nil
	}
	if canonjson.SHA256Hex(body) != sig.ResponseSHA256 {
		return false, nil
	}
	return keys.VerifyHashHex(sig.ResponseSHA256, sig.SignatureBase64, sig.PublicKeyPEM)
}

// newNonce returns 16 random bytes as 32 hex characters.
func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
