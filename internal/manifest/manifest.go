// Package manifest models the paid tool manifest a provider publishes for
// each gated endpoint. Normalize lifts v1 documents into the v2 shape and
// ContentHash fingerprints the result, so two providers publishing the same
// tool terms derive the same hash.
package manifest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/nooterra-labs/paygate/internal/canonjson"
	"github.com/nooterra-labs/paygate/internal/gate"
	"github.com/nooterra-labs/paygate/internal/paytoken"
)

// Schema versions this package understands.
const (
	SchemaV1 = "PaidToolManifest.v1"
	SchemaV2 = "PaidToolManifest.v2"
)

// IdempotencyIdempotent marks a tool that is safe to re-run; the other
// classes live in the gate package.
const IdempotencyIdempotent = "idempotent"

var (
	idPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]+$`)
	// Tool ids additionally allow dots: tools are conventionally named
	// namespace.verb, like bridge.search.
	toolIDPattern   = regexp.MustCompile(`^[A-Za-z0-9:._-]+$`)
	currencyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{2,11}$`)
)

// Endpoint names the HTTP surface the manifest covers.
type Endpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Pricing is the fixed price of one call.
type Pricing struct {
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// Payment names where settlement for this tool lands. Empty fields defer
// to the serving gate's configured defaults.
type Payment struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

// SpendAuthorization carries the spend-authorization mode for the tool.
type SpendAuthorization struct {
	Mode string `json:"mode"`
}

// Manifest is the on-disk description of one paid tool. V1 documents omit
// payment and spendAuthorization; Normalize fills both.
type Manifest struct {
	SchemaVersion      string              `json:"schemaVersion"`
	ProviderID         string              `json:"providerId"`
	ToolID             string              `json:"toolId"`
	Summary            string              `json:"summary,omitempty"`
	Endpoint           Endpoint            `json:"endpoint"`
	Pricing            Pricing             `json:"pricing"`
	Payment            *Payment            `json:"payment,omitempty"`
	Idempotency        string              `json:"idempotency,omitempty"`
	RequestBindingMode string              `json:"requestBindingMode,omitempty"`
	QuoteRequired      bool                `json:"quoteRequired,omitempty"`
	SpendAuthorization *SpendAuthorization `json:"spendAuthorization,omitempty"`
}

// Normalize validates the manifest and returns its v2 form: method
// uppercased, currency uppercased, requestBindingMode derived from the
// idempotency class when unset, spendAuthorization derived from
// quoteRequired when unset.
func (m Manifest) Normalize() (Manifest, error) {
	out := m

	switch m.SchemaVersion {
	case SchemaV1, SchemaV2:
	default:
		return Manifest{}, fmt.Errorf("unknown schemaVersion %q", m.SchemaVersion)
	}

	if err := validID("providerId", m.ProviderID, idPattern); err != nil {
		return Manifest{}, err
	}
	if err := validID("toolId", m.ToolID, toolIDPattern); err != nil {
		return Manifest{}, err
	}

	method := strings.ToUpper(strings.TrimSpace(m.Endpoint.Method))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return Manifest{}, fmt.Errorf("endpoint.method %q is not a supported verb", m.Endpoint.Method)
	}
	out.Endpoint.Method = method
	if !strings.HasPrefix(m.Endpoint.Path, "/") {
		return Manifest{}, fmt.Errorf("endpoint.path %q must start with /", m.Endpoint.Path)
	}

	if m.Pricing.AmountCents < 1 || m.Pricing.AmountCents > canonjson.MaxSafeInt {
		return Manifest{}, fmt.Errorf("pricing.amountCents %d is not a positive safe integer", m.Pricing.AmountCents)
	}
	out.Pricing.Currency = strings.ToUpper(m.Pricing.Currency)
	if !currencyPattern.MatchString(out.Pricing.Currency) {
		return Manifest{}, fmt.Errorf("pricing.currency %q is invalid", m.Pricing.Currency)
	}

	switch m.Idempotency {
	case "", IdempotencyIdempotent, gate.IdempotencyNonIdempotent, gate.IdempotencySideEffecting:
	default:
		return Manifest{}, fmt.Errorf("idempotency %q is not recognized", m.Idempotency)
	}

	switch m.RequestBindingMode {
	case paytoken.BindingNone, paytoken.BindingStrict:
	case "":
		out.RequestBindingMode = paytoken.BindingNone
		if m.Idempotency == gate.IdempotencyNonIdempotent || m.Idempotency == gate.IdempotencySideEffecting {
			out.RequestBindingMode = paytoken.BindingStrict
		}
	default:
		return Manifest{}, fmt.Errorf("requestBindingMode %q is not recognized", m.RequestBindingMode)
	}

	if m.Payment == nil {
		out.Payment = &Payment{}
	} else {
		cp := *m.Payment
		out.Payment = &cp
	}

	mode := ""
	if m.SpendAuthorization != nil {
		mode = m.SpendAuthorization.Mode
	}
	switch mode {
	case gate.SpendAuthOptional, gate.SpendAuthRequired:
	case "":
		mode = gate.SpendAuthOptional
		if m.QuoteRequired {
			mode = gate.SpendAuthRequired
		}
	default:
		return Manifest{}, fmt.Errorf("spendAuthorization.mode %q is not recognized", mode)
	}
	out.SpendAuthorization = &SpendAuthorization{Mode: mode}

	out.SchemaVersion = SchemaV2
	return out, nil
}

// ContentHash returns the sha256 of the normalized manifest's canonical
// JSON. Published alongside the manifest so clients can pin tool terms.
func (m Manifest) ContentHash() (string, error) {
	norm, err := m.Normalize()
	if err != nil {
		return "", err
	}
	return canonjson.Hash(norm)
}

// RawOffer converts a normalized manifest into the offer the gate prices
// a matching request with.
func (m Manifest) RawOffer() gate.RawOffer {
	offer := gate.RawOffer{
		AmountCents:        m.Pricing.AmountCents,
		Currency:           m.Pricing.Currency,
		ProviderID:         m.ProviderID,
		ToolID:             m.ToolID,
		Idempotency:        m.Idempotency,
		RequestBindingMode: m.RequestBindingMode,
		QuoteRequired:      m.QuoteRequired,
	}
	if m.Payment != nil {
		offer.Address = m.Payment.Address
		offer.Network = m.Payment.Network
	}
	if m.SpendAuthorization != nil {
		offer.SpendAuthorizationMode = m.SpendAuthorization.Mode
	}
	return offer
}

// LoadDir reads every top-level *.json manifest in dir and returns them
// normalized, sorted by toolId. Duplicate toolIds are an error.
func LoadDir(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	seen := map[string]string{}
	var out []Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", entry.Name(), err)
		}
		var m Manifest
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", entry.Name(), err)
		}
		norm, err := m.Normalize()
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", entry.Name(), err)
		}
		if prev, dup := seen[norm.ToolID]; dup {
			return nil, fmt.Errorf("manifest %s: toolId %q already declared by %s", entry.Name(), norm.ToolID, prev)
		}
		seen[norm.ToolID] = entry.Name()
		out = append(out, norm)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out, nil
}

func validID(field, val string, pattern *regexp.Regexp) error {
	if val == "" || len(val) > 200 || !pattern.MatchString(val) {
		return fmt.Errorf("%s %q is invalid", field, val)
	}
	return nil
}
