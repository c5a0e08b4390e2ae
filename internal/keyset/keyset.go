// Package keyset models the published set of payment-token verification
// keys and resolves it from a well-known URL with caching and a pinned
// fallback, so token verification keeps working through rotations and
// origin outages.
package keyset

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nooterra-labs/paygate/internal/keys"
)

// SchemaVersion names the wire schema for published keysets.
const SchemaVersion = "NooterraPayKeyset.v1"

// Key statuses. Rotated keys still verify; only the active key signs.
const (
	StatusActive  = "active"
	StatusRotated = "rotated"
)

var ErrInvalidKeyset = errors.New("invalid keyset")

// Key is one verification key entry.
type Key struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
	Status       string `json:"status"`
}

// Keyset is the NooterraPayKeyset.v1 envelope.
type Keyset struct {
	Keys        []Key  `json:"keys"`
	RefreshedAt string `json:"refreshedAt"`
}

// FromPEM builds a single-key active keyset, deriving the key id from
// the PEM. Used for pinned keys and for publishing a provider's own set.
func FromPEM(publicKeyPEM string, refreshedAt time.Time) (*Keyset, error) {
	kid, err := keys.KeyIDFromPublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Keyset{
		Keys:        []Key{{KeyID: kid, PublicKeyPEM: publicKeyPEM, Status: StatusActive}},
		RefreshedAt: refreshedAt.UTC().Format(time.RFC3339),
	}, nil
}

// Parse decodes and validates keyset JSON.
func Parse(data []byte) (*Keyset, error) {
	var ks Keyset
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyset, err)
	}
	if err := ks.Validate(); err != nil {
		return nil, err
	}
	return &ks, nil
}

// Validate enforces the envelope rules: at least one key, at most one
// active key, known statuses, and every keyId equal to the derivation
// from its own public key.
func (ks *Keyset) Validate() error {
	if len(ks.Keys) == 0 {
		return fmt.Errorf("%w: keys is empty", ErrInvalidKeyset)
	}
	active := 0
	for i, k := range ks.Keys {
		switch k.Status {
		case StatusActive:
			active++
		case StatusRotated:
		default:
			return fmt.Errorf("%w: keys[%d] has unknown status %q", ErrInvalidKeyset, i, k.Status)
		}
		derived, err := keys.KeyIDFromPublicKeyPEM(k.PublicKeyPEM)
		if err != nil {
			return fmt.Errorf("%w: keys[%d]: %v", ErrInvalidKeyset, i, err)
		}
		if k.KeyID != derived {
			return fmt.Errorf("%w: keys[%d] keyId %q does not match its public key", ErrInvalidKeyset, i, k.KeyID)
		}
	}
	if active > 1 {
		return fmt.Errorf("%w: %d active keys, want at most one", ErrInvalidKeyset, active)
	}
	return nil
}

// Lookup returns the entry for kid, if listed.
func (ks *Keyset) Lookup(kid string) (Key, bool) {
	for _, k := range ks.Keys {
		if k.KeyID == kid {
			return k, true
		}
	}
	return Key{}, false
}

// Active returns the active entry, if any.
func (ks *Keyset) Active() (Key, bool) {
	for _, k := range ks.Keys {
		if k.Status == StatusActive {
			return k, true
		}
	}
	return Key{}, false
}
