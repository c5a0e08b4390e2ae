package gate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nooterra-labs/paygate/internal/canonjson"
	"github.com/nooterra-labs/paygate/internal/paytoken"
)

// Idempotency classes a provider may declare on a priced call. Anything that
// is not idempotent gets strict request binding unless the offer overrides it.
const (
	IdempotencyNonIdempotent = "non_idempotent"
	IdempotencySideEffecting = "side_effecting"
)

// Spend-authorization modes for an offer.
const (
	SpendAuthOptional = "optional"
	SpendAuthRequired = "required"
)

var currencyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{2,11}$`)

// RawOffer is the offer exactly as the PriceFor callback returned it. Empty
// fields are filled from handler defaults during normalization.
type RawOffer struct {
	AmountCents            int64
	Currency               string
	ProviderID             string
	ToolID                 string
	Address                string
	Network                string
	RequestBindingMode     string
	Idempotency            string
	QuoteRequired          bool
	QuoteID                string
	SpendAuthorizationMode string
}

// Offer is the normalized per-request offer. It is embedded verbatim in 402
// bodies and is the source of every quote attestation field.
type Offer struct {
	AmountCents            int64  `json:"amountCents"`
	Currency               string `json:"currency"`
	ProviderID             string `json:"providerId"`
	ToolID                 string `json:"toolId"`
	Address                string `json:"address"`
	Network                string `json:"network"`
	RequestBindingMode     string `json:"requestBindingMode"`
	QuoteRequired          bool   `json:"quoteRequired"`
	QuoteID                string `json:"quoteId,omitempty"`
	SpendAuthorizationMode string `json:"spendAuthorizationMode"`
}

type offerDefaults struct {
	providerID string
	address    string
	network    string
}

func normalizeOffer(raw RawOffer, d offerDefaults) (Offer, error) {
	if raw.AmountCents < 1 || raw.AmountCents > canonjson.MaxSafeInt {
		return Offer{}, fmt.Errorf("offer amountCents must be a positive safe integer, got %d", raw.AmountCents)
	}

	currency := strings.ToUpper(raw.Currency)
	if !currencyPattern.MatchString(currency) {
		return Offer{}, fmt.Errorf("offer currency %q is invalid", raw.Currency)
	}

	providerID := raw.ProviderID
	if providerID == "" {
		providerID = d.providerID
	}
	if providerID == "" {
		return Offer{}, fmt.Errorf("offer providerId is required")
	}
	if raw.ToolID == "" {
		return Offer{}, fmt.Errorf("offer toolId is required")
	}

	address := raw.Address
	if address == "" {
		address = d.address
	}
	network := raw.Network
	if network == "" {
		network = d.network
	}

	bindingMode := raw.RequestBindingMode
	switch bindingMode {
	case paytoken.BindingNone, paytoken.BindingStrict:
	case "":
		if raw.Idempotency == IdempotencyNonIdempotent || raw.Idempotency == IdempotencySideEffecting {
			bindingMode = paytoken.BindingStrict
		} else {
			bindingMode = paytoken.BindingNone
		}
	default:
		return Offer{}, fmt.Errorf("offer requestBindingMode %q is invalid", raw.RequestBindingMode)
	}

	spendAuth := raw.SpendAuthorizationMode
	switch spendAuth {
	case SpendAuthOptional, SpendAuthRequired:
	case "":
		if raw.QuoteRequired {
			spendAuth = SpendAuthRequired
		} else {
			spendAuth = SpendAuthOptional
		}
	default:
		return Offer{}, fmt.Errorf("offer spendAuthorizationMode %q is invalid", raw.SpendAuthorizationMode)
	}

	return Offer{
		AmountCents:            raw.AmountCents,
		Currency:               currency,
		ProviderID:             providerID,
		ToolID:                 raw.ToolID,
		Address:                address,
		Network:                network,
		RequestBindingMode:     bindingMode,
		QuoteRequired:          raw.QuoteRequired,
		QuoteID:                raw.QuoteID,
		SpendAuthorizationMode: spendAuth,
	}, nil
}
