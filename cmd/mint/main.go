// cmd/mint mints a NooterraPay payment token from a treasury keypair. It is
// a payer-side testing utility: point it at the key files, name the provider
// the token pays, and send the printed token in an Authorization header.
//
// Usage:
//
//	go run ./cmd/mint/ \
//	  --public-key treasury.pub.pem --private-key treasury.key.pem \
//	  --aud prov_publish_demo --amount-cents 500
//
//	# strict request binding over a POST body
//	go run ./cmd/mint/ ... \
//	  --bind-method POST --bind-url http://localhost:8402/actions/send \
//	  --bind-body request.json
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/paygate/internal/keys"
	"github.com/nooterra-labs/paygate/internal/paytoken"
)

func main() {
	pubFile := flag.String("public-key", "", "treasury public key PEM file (required)")
	keyFile := flag.String("private-key", "", "treasury private key PEM file (required)")
	iss := flag.String("iss", "svc_treasury", "issuer id")
	aud := flag.String("aud", "", "audience provider id (required)")
	payee := flag.String("payee", "", "payee provider id (defaults to --aud)")
	gateID := flag.String("gate-id", "", "gate id claim")
	authRef := flag.String("authorization-ref", "", "authorization reference (defaults to a fresh auth_<id>)")
	amountCents := flag.Int64("amount-cents", 0, "token amount in cents (required)")
	currency := flag.String("currency", "USD", "ISO currency code")
	ttlSec := flag.Int64("ttl-sec", 300, "token lifetime in seconds")

	quoteID := flag.String("quote-id", "", "quoteId claim")
	idemKey := flag.String("idempotency-key", "", "idempotencyKey claim")
	nonce := flag.String("nonce", "", "nonce claim")
	sponsorRef := flag.String("sponsor-ref", "", "sponsorRef claim")
	agentKeyID := flag.String("agent-key-id", "", "agentKeyId claim")
	policyFP := flag.String("policy-fingerprint", "", "policyFingerprint claim (64 hex chars)")

	bindMethod := flag.String("bind-method", "", "bind the token to this HTTP method")
	bindURL := flag.String("bind-url", "", "bind the token to this request URL")
	bindBody := flag.String("bind-body", "", "file whose bytes are the bound request body")
	flag.Parse()

	if *pubFile == "" || *keyFile == "" {
		fatalf("--public-key and --private-key are required")
	}
	if *aud == "" {
		fatalf("--aud is required")
	}
	if *amountCents <= 0 {
		fatalf("--amount-cents must be positive")
	}
	if *payee == "" {
		*payee = *aud
	}
	if *authRef == "" {
		*authRef = "auth_" + uuid.NewString()[:8]
	}

	pub, err := os.ReadFile(*pubFile)
	if err != nil {
		fatalf("read public key: %v", err)
	}
	priv, err := os.ReadFile(*keyFile)
	if err != nil {
		fatalf("read private key: %v", err)
	}
	treasury := keys.Keypair{PublicKeyPEM: string(pub), PrivateKeyPEM: string(priv)}

	now := time.Now()
	payload := paytoken.Payload{
		Iss:              *iss,
		Aud:              *aud,
		GateID:           *gateID,
		AuthorizationRef: *authRef,
		AmountCents:      *amountCents,
		Currency:         *currency,
		PayeeProviderID:  *payee,
		Iat:              now.Unix(),
		Exp:              now.Add(time.Duration(*ttlSec) * time.Second).Unix(),

		QuoteID:           *quoteID,
		IdempotencyKey:    *idemKey,
		Nonce:             *nonce,
		SponsorRef:        *sponsorRef,
		AgentKeyID:        *agentKeyID,
		PolicyFingerprint: *policyFP,
	}

	if *bindURL != "" {
		if *bindMethod == "" {
			fatalf("--bind-url needs --bind-method")
		}
		u, err := url.Parse(*bindURL)
		if err != nil {
			fatalf("parse --bind-url: %v", err)
		}
		var body []byte
		if *bindBody != "" {
			body, err = os.ReadFile(*bindBody)
			if err != nil {
				fatalf("read --bind-body: %v", err)
			}
		}
		sha, err := paytoken.RequestBindingSHA256(*bindMethod, u.Host, u.RequestURI(), paytoken.BodySHA256(body))
		if err != nil {
			fatalf("request binding: %v", err)
		}
		payload.RequestBindingMode = paytoken.BindingStrict
		payload.RequestBindingSHA256 = sha
	}

	minted, err := paytoken.Mint(paytoken.MintOptions{
		Payload:       payload,
		PrivateKeyPEM: treasury.PrivateKeyPEM,
		PublicKeyPEM:  treasury.PublicKeyPEM,
	})
	if err != nil {
		fatalf("mint: %v", err)
	}

	fmt.Printf("token:            %s\n", minted.Token)
	fmt.Printf("tokenSha256:      %s\n", minted.TokenSHA256)
	fmt.Printf("kid:              %s\n", minted.Kid)
	fmt.Printf("authorizationRef: %s\n", *authRef)
	fmt.Printf("expiresAt:        %s\n", time.Unix(payload.Exp, 0).UTC().Format(time.RFC3339))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
