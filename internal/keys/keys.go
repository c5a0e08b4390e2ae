// Package keys holds the Ed25519 primitives behind NooterraPay: PEM
// keypairs, key-id derivation, and hash-hex sign/verify. Key ids are the
// lowercase hex SHA-256 of the DER SubjectPublicKeyInfo, so the same
// public key always names itself the same way on every peer.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrKeyInvalid reports unusable key material: bad PEM, wrong algorithm,
// or a truncated key.
var ErrKeyInvalid = errors.New("CRYPTO_KEY_INVALID")

// ErrVerify reports malformed verification inputs (hash hex, signature
// base64). A well-formed signature that simply does not match is not an
// error; it verifies false.
var ErrVerify = errors.New("CRYPTO_VERIFY_ERROR")

// Keypair carries both halves of an Ed25519 key as PEM text.
type Keypair struct {
	PublicKeyPEM  string `json:"publicKeyPem"`
	PrivateKeyPEM string `json:"privateKeyPem"`
}

// Generate creates a fresh Ed25519 keypair encoded as PKIX (public) and
// PKCS#8 (private) PEM blocks.
func Generate() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return Keypair{}, fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return Keypair{}, fmt.Errorf("marshal private key: %w", err)
	}
	return Keypair{
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
	}, nil
}

// KeyID returns the key id of the keypair's public half.
func (k Keypair) KeyID() (string, error) {
	return KeyIDFromPublicKeyPEM(k.PublicKeyPEM)
}

// KeyIDFromPublicKeyPEM derives the key id: lowercase hex SHA-256 over
// the DER SubjectPublicKeyInfo bytes of an Ed25519 public key.
func KeyIDFromPublicKeyPEM(publicKeyPEM string) (string, error) {
	der, _, err := parsePublicPEM(publicKeyPEM)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// SignHashHex signs the 32 raw bytes named by hashHex (not the hex text)
// and returns the signature as standard base64.
func SignHashHex(hashHex, privateKeyPEM string) (string, error) {
	digest, err := decodeHash(hashHex)
	if err != nil {
		return "", err
	}
	priv, err := parsePrivatePEM(privateKeyPEM)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyHashHex checks signatureBase64 over the 32 raw bytes named by
// hashHex. Malformed inputs return an error; a clean mismatch returns
// (false, nil).
func VerifyHashHex(hashHex, signatureBase64, publicKeyPEM string) (bool, error) {
	digest, err := decodeHash(hashHex)
	if err != nil {
		return false, err
	}
	_, pub, err := parsePublicPEM(publicKeyPEM)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, fmt.Errorf("%w: signature is not base64: %v", ErrVerify, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: signature is %d bytes, want %d", ErrVerify, len(sig), ed25519.SignatureSize)
	}
	return ed25519.Verify(pub, digest, sig), nil
}

func decodeHash(hashHex string) ([]byte, error) {
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("%w: hash is not hex: %v", ErrVerify, err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("%w: hash is %d bytes, want %d", ErrVerify, len(digest), sha256.Size)
	}
	return digest, nil
}

func parsePublicPEM(publicKeyPEM string) (der []byte, pub ed25519.PublicKey, err error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, nil, fmt.Errorf("%w: no PUBLIC KEY block", ErrKeyInvalid)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}
	edPub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: not an ed25519 key", ErrKeyInvalid)
	}
	return block.Bytes, edPub, nil
}

func parsePrivatePEM(privateKeyPEM string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: no PRIVATE KEY block", ErrKeyInvalid)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}
	edPriv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrKeyInvalid)
	}
	return edPriv, nil
}
