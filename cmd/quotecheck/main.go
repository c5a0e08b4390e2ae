// cmd/quotecheck verifies provider attestations from the consumer side.
// Paste the header values a gate returned and it decodes them, checks the
// signature, and reports what the provider actually committed to.
//
// Usage:
//
//	# quote attestation from a 402
//	go run ./cmd/quotecheck/ \
//	  --quote "$(curl -si http://localhost:8402/search | grep -i x-nooterra-provider-quote: | cut -d' ' -f2)" \
//	  --signature "<x-nooterra-provider-quote-signature value>"
//
//	# response attestation over a saved body
//	go run ./cmd/quotecheck/ --response-body response.json \
//	  --key-id <hdr> --signed-at <hdr> --nonce <hdr> \
//	  --response-sha256 <hdr> --response-signature <hdr> \
//	  --provider-key provider.pub.pem
//
// Exits 0 when the attestation verifies, 1 otherwise.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nooterra-labs/paygate/internal/attest"
	"github.com/nooterra-labs/paygate/internal/keys"
)

func main() {
	quoteHdr := flag.String("quote", "", "x-nooterra-provider-quote header value")
	sigHdr := flag.String("signature", "", "x-nooterra-provider-quote-signature header value")

	respBody := flag.String("response-body", "", "file holding the exact response body bytes")
	respKeyID := flag.String("key-id", "", "x-nooterra-provider-key-id header value")
	respSignedAt := flag.String("signed-at", "", "x-nooterra-provider-signed-at header value")
	respNonce := flag.String("nonce", "", "x-nooterra-provider-nonce header value")
	respSHA := flag.String("response-sha256", "", "x-nooterra-provider-response-sha256 header value")
	respSig := flag.String("response-signature", "", "x-nooterra-provider-signature header value")
	providerKey := flag.String("provider-key", "", "provider public key PEM file (required for response mode)")
	flag.Parse()

	switch {
	case *quoteHdr != "":
		checkQuote(*quoteHdr, *sigHdr)
	case *respBody != "":
		checkResponse(*respBody, *providerKey, attest.ResponseSignature{
			Algorithm:       attest.AlgorithmEd25519,
			KeyID:           *respKeyID,
			SignedAt:        *respSignedAt,
			Nonce:           *respNonce,
			ResponseSHA256:  *respSHA,
			SignatureBase64: *respSig,
		})
	default:
		fatalf("pass --quote with --signature, or --response-body with the response headers")
	}
}

func checkQuote(quoteHdr, sigHdr string) {
	if sigHdr == "" {
		fatalf("--quote needs --signature")
	}
	quote, err := attest.DecodeQuote(quoteHdr)
	if err != nil {
		fatalf("decode quote: %v", err)
	}
	sig, err := attest.DecodeQuoteSignature(sigHdr)
	if err != nil {
		fatalf("decode quote signature: %v", err)
	}

	pretty, err := json.MarshalIndent(quote, "", "  ")
	if err != nil {
		fatalf("render quote: %v", err)
	}
	fmt.Println(string(pretty))

	ok, err := attest.VerifyQuote(quote, sig)
	if err != nil {
		fatalf("verify quote: %v", err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "✗ quote attestation does NOT verify")
		os.Exit(1)
	}

	fmt.Printf("\n✓ quote attestation verifies\n")
	fmt.Printf("  keyId:    %s\n", sig.KeyID)
	fmt.Printf("  signedAt: %s\n", sig.SignedAt)
	if exp, err := time.Parse(time.RFC3339, quote.ExpiresAt); err == nil && time.Now().After(exp) {
		fmt.Printf("  note: quote expired at %s\n", quote.ExpiresAt)
	}
}

func checkResponse(bodyFile, providerKeyFile string, sig attest.ResponseSignature) {
	if providerKeyFile == "" {
		fatalf("--response-body needs --provider-key")
	}
	body, err := os.ReadFile(bodyFile)
	if err != nil {
		fatalf("read response body: %v", err)
	}
	pemBytes, err := os.ReadFile(providerKeyFile)
	if err != nil {
		fatalf("read provider key: %v", err)
	}
	sig.PublicKeyPEM = string(pemBytes)

	// The gate never returns its public key in headers, only the key id.
	// Deriving the id here catches a pasted key that is not the provider's.
	derived, err := keys.KeyIDFromPublicKeyPEM(sig.PublicKeyPEM)
	if err != nil {
		fatalf("provider key: %v", err)
	}
	if sig.KeyID == "" {
		sig.KeyID = derived
	}

	ok, err := attest.VerifyResponse(body, sig)
	if err != nil {
		fatalf("verify response: %v", err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "✗ response attestation does NOT verify")
		os.Exit(1)
	}

	fmt.Printf("✓ response attestation verifies\n")
	fmt.Printf("  keyId:          %s\n", sig.KeyID)
	fmt.Printf("  signedAt:       %s\n", sig.SignedAt)
	fmt.Printf("  responseSha256: %s\n", sig.ResponseSHA256)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
