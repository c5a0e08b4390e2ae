// Package gate implements the provider-side payment gate: it prices each
// request, answers unauthenticated calls with a 402 carrying a signed quote,
// verifies NooterraPay tokens, executes the tool at most once per
// authorization and signs every response it returns.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nooterra-labs/paygate/internal/attest"
	"github.com/nooterra-labs/paygate/internal/canonjson"
	"github.com/nooterra-labs/paygate/internal/keys"
	"github.com/nooterra-labs/paygate/internal/keyset"
	"github.com/nooterra-labs/paygate/internal/metrics"
	"github.com/nooterra-labs/paygate/internal/paytoken"
	"github.com/nooterra-labs/paygate/internal/replay"
)

const (
	authScheme = "NooterraPay"

	defaultQuoteTTLSeconds = 300
	defaultMaxBodyBytes    = 1_000_000
	replayFallbackTTL      = 5 * time.Minute
)

var errBodyTooLarge = errors.New("request body too large")

// Call is everything the Execute callback gets about an admitted request.
// RequestBody is non-nil only when strict binding forced a buffered read;
// the request's Body has been restored and can still be consumed as usual.
type Call struct {
	Request              *http.Request
	URL                  *url.URL
	Offer                Offer
	Verification         *paytoken.Verification
	RequestBody          []byte
	RequestBindingSHA256 string
}

// Result is what the Execute callback produces. Zero StatusCode means 200,
// empty ContentType means application/json.
type Result struct {
	StatusCode  int
	ContentType string
	Headers     map[string]string
	Body        []byte
}

func (r *Result) normalize() {
	if r.StatusCode == 0 {
		r.StatusCode = http.StatusOK
	}
	if r.ContentType == "" {
		r.ContentType = "application/json"
	}
}

// JSONResult builds a Result whose body is the canonical JSON of v.
func JSONResult(v any) (*Result, error) {
	body, err := canonjson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Result{Body: body}, nil
}

// Options configure one paid endpoint handler. PriceFor and Execute are the
// provider's half of the contract; everything else has a usable default
// except the provider identity, keypair and keyset resolver.
type Options struct {
	ProviderID           string
	ProviderIDForRequest func(*http.Request) string

	PriceFor func(ctx context.Context, req *http.Request) (RawOffer, error)
	Execute  func(ctx context.Context, call *Call) (*Result, error)

	ProviderPublicKeyPEM  string
	ProviderPrivateKeyPEM string

	Resolver    *keyset.Resolver
	ReplayStore replay.Store

	ReplayMaxKeys       int
	ReplayTTLBufferMs   int64
	QuoteTTLSeconds     int64
	MaxRequestBodyBytes int64

	PaymentAddress string
	PaymentNetwork string

	Logger  *zap.Logger
	Metrics *metrics.GateMetrics
	Now     func() time.Time

	// MutateSignature intercepts the response attestation before it is
	// written. Test hook only; never set it in production.
	MutateSignature func(*attest.ResponseSignature)
}

// Gate is a constructed paid endpoint handler. One Gate may back any number
// of routes; all shared state is concurrency-safe.
type Gate struct {
	providerID    string
	providerIDFor func(*http.Request) string
	priceFor      func(ctx context.Context, req *http.Request) (RawOffer, error)
	execute       func(ctx context.Context, call *Call) (*Result, error)

	signer   *attest.Signer
	resolver *keyset.Resolver
	store    replay.Store

	ttlBufferMs  int64
	quoteTTLSecs int64
	maxBodyBytes int64
	address      string
	network      string

	log       *zap.Logger
	metrics   *metrics.GateMetrics
	now       func() time.Time
	mutateSig func(*attest.ResponseSignature)

	execMu   sync.Mutex
	execKeys map[string]*keyMutex
}

func typeInvalid(field, msg string) error {
	return fmt.Errorf("TYPE_INVALID: %s: %s", field, msg)
}

func New(opts Options) (*Gate, error) {
	if opts.ProviderID == "" && opts.ProviderIDForRequest == nil {
		return nil, typeInvalid("providerId", "required")
	}
	if opts.PriceFor == nil {
		return nil, typeInvalid("priceFor", "required")
	}
	if opts.Execute == nil {
		return nil, typeInvalid("execute", "required")
	}
	if opts.Resolver == nil {
		return nil, typeInvalid("keysetResolver", "required")
	}
	if opts.ReplayTTLBufferMs < 0 {
		return nil, typeInvalid("replayTtlBufferMs", "must be non-negative")
	}
	if opts.QuoteTTLSeconds < 0 {
		return nil, typeInvalid("quoteTtlSeconds", "must be non-negative")
	}
	if opts.MaxRequestBodyBytes < 0 {
		return nil, typeInvalid("maxRequestBodyBytes", "must be non-negative")
	}

	signer, err := attest.NewSigner(keys.Keypair{
		PublicKeyPEM:  opts.ProviderPublicKeyPEM,
		PrivateKeyPEM: opts.ProviderPrivateKeyPEM,
	})
	if err != nil {
		return nil, typeInvalid("providerKeypair", err.Error())
	}
	if opts.Now != nil {
		signer.Now = opts.Now
	}

	store := opts.ReplayStore
	if store == nil {
		store = replay.NewMemoryStore(opts.ReplayMaxKeys)
	}
	quoteTTL := opts.QuoteTTLSeconds
	if quoteTTL == 0 {
		quoteTTL = defaultQuoteTTLSeconds
	}
	maxBody := opts.MaxRequestBodyBytes
	if maxBody == 0 {
		maxBody = defaultMaxBodyBytes
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Gate{
		providerID:    opts.ProviderID,
		providerIDFor: opts.ProviderIDForRequest,
		priceFor:      opts.PriceFor,
		execute:       opts.Execute,
		signer:        signer,
		resolver:      opts.Resolver,
		store:         store,
		ttlBufferMs:   opts.ReplayTTLBufferMs,
		quoteTTLSecs:  quoteTTL,
		maxBodyBytes:  maxBody,
		address:       opts.PaymentAddress,
		network:       opts.PaymentNetwork,
		log:           log,
		metrics:       opts.Metrics,
		now:           now,
		mutateSig:     opts.MutateSignature,
		execKeys:      make(map[string]*keyMutex),
	}, nil
}

// Signer exposes the provider's attestation signer, e.g. for publishing the
// public key alongside the keyset endpoint.
func (g *Gate) Signer() *attest.Signer { return g.signer }

// Handler adapts the gate to a gin route.
func (g *Gate) Handler() gin.HandlerFunc {
	return func(c *gin.Context) { g.serve(c) }
}

func (g *Gate) serve(c *gin.Context) {
	ctx := c.Request.Context()
	req := c.Request
	now := g.now()

	providerID := g.providerID
	if g.providerIDFor != nil {
		providerID = g.providerIDFor(req)
	}

	// ── Price ───────────────────────────────────────────────────────────────
	raw, err := g.priceFor(ctx, req)
	if err != nil {
		g.serverError(c, errPricing, err)
		return
	}
	offer, err := normalizeOffer(raw, offerDefaults{
		providerID: providerID,
		address:    g.address,
		network:    g.network,
	})
	if err != nil {
		g.serverError(c, errPricing, err)
		return
	}

	// ── Strict binding: buffer the body and hash the request ────────────────
	var body []byte
	bindingSHA := ""
	if offer.RequestBindingMode == paytoken.BindingStrict {
		if methodHasBody(req.Method) {
			body, err = readBody(req, g.maxBodyBytes)
			if errors.Is(err, errBodyTooLarge) {
				g.rejectPayment(c, offer, nil, nil, &PaymentError{
					Code:    CodeBodyTooLarge,
					Message: fmt.Sprintf("request body exceeds %d bytes", g.maxBodyBytes),
					Details: map[string]any{"maxRequestBodyBytes": g.maxBodyBytes},
				})
				return
			}
			if err != nil {
				g.serverError(c, errPricing, err)
				return
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}
		bindingSHA, err = paytoken.RequestBindingSHA256(req.Method, req.Host, req.URL.RequestURI(), paytoken.BodySHA256(body))
		if err != nil {
			g.serverError(c, errPricing, err)
			return
		}
	}

	// ── Quote attestation, built whether or not a token is present ──────────
	quote, quoteSig, err := g.buildQuote(offer, bindingSHA, req.Method, req.URL.RequestURI(), now)
	if err != nil {
		g.serverError(c, errPricing, err)
		return
	}

	// ── Authorization ────────────────────────────────────────────────────────
	token, ok := parseAuthorization(req.Header.Get("Authorization"))
	if !ok {
		g.rejectPayment(c, offer, &quote, &quoteSig, paymentErr(CodePaymentRequired, "payment token required"))
		return
	}

	res, err := g.resolver.Get(ctx)
	if err != nil {
		g.log.Warn("keyset unavailable", zap.Error(err))
		g.rejectPayment(c, offer, &quote, &quoteSig, paymentErr(CodeKeysetUnavailable, "verification keyset unavailable"))
		return
	}
	g.metrics.IncKeysetFetch(res.Source)

	want := paytoken.Expectations{
		Audience:             providerID,
		PayeeProviderID:      providerID,
		RequestBindingSHA256: bindingSHA,
	}
	verification, verr := paytoken.Verify(token, res.Keyset, now.Unix(), want)
	if verr != nil {
		g.rejectPayment(c, offer, &quote, &quoteSig, paymentErr(verr.Code, verr.Message))
		return
	}
	payload := verification.Payload

	if perr := checkClaims(payload, offer, providerID); perr != nil {
		g.rejectPayment(c, offer, &quote, &quoteSig, perr)
		return
	}

	// ── Replay: at most one execution per authorization ─────────────────────
	key := replay.Key(payload.AuthorizationRef, payload.GateID, verification.TokenSHA256)
	unlock := g.lockKey(key)
	defer unlock()

	row, err := g.store.Get(ctx, key, now)
	if err != nil {
		g.log.Warn("replay lookup failed", zap.String("key", key), zap.Error(err))
	}
	if row != nil {
		g.metrics.IncReplayHit()
		writeCached(c, row)
		return
	}

	// ── Execute ──────────────────────────────────────────────────────────────
	started := time.Now()
	result, err := g.execute(ctx, &Call{
		Request:              req,
		URL:                  req.URL,
		Offer:                offer,
		Verification:         verification,
		RequestBody:          body,
		RequestBindingSHA256: bindingSHA,
	})
	g.metrics.ObserveExecuteSeconds(time.Since(started).Seconds())
	if err != nil {
		g.serverError(c, errExecution, err)
		return
	}
	g.metrics.IncExecution()
	result.normalize()

	// ── Sign and write ───────────────────────────────────────────────────────
	sig, err := g.signer.SignResponse(result.Body)
	if err != nil {
		g.serverError(c, errExecution, err)
		return
	}
	if g.mutateSig != nil {
		g.mutateSig(&sig)
	}

	headers := make(map[string]string, len(result.Headers)+12)
	for k, v := range result.Headers {
		headers[k] = v
	}
	quoteID := payload.QuoteID
	if quoteID == "" {
		quoteID = quote.QuoteID
	}
	headers["x-nooterra-provider-key-id"] = sig.KeyID
	headers["x-nooterra-provider-signed-at"] = sig.SignedAt
	headers["x-nooterra-provider-nonce"] = sig.Nonce
	headers["x-nooterra-provider-response-sha256"] = sig.ResponseSHA256
	headers["x-nooterra-provider-signature"] = sig.SignatureBase64
	headers["x-nooterra-provider-authorization-ref"] = payload.AuthorizationRef
	headers["x-nooterra-provider-gate-id"] = payload.GateID
	headers["x-nooterra-provider-quote-id"] = quoteID
	headers["x-nooterra-provider-token-sha256"] = verification.TokenSHA256
	headers["x-nooterra-keyset-source"] = res.Source
	headers["x-nooterra-request-binding-mode"] = offer.RequestBindingMode
	if bindingSHA != "" {
		headers["x-nooterra-request-binding-sha256"] = bindingSHA
	}

	for k, v := range headers {
		c.Header(k, v)
	}
	c.Data(result.StatusCode, result.ContentType, result.Body)

	// ── Cache for duplicates ─────────────────────────────────────────────────
	expiresAtMs := payload.Exp*1000 + g.ttlBufferMs
	if payload.Exp <= 0 {
		expiresAtMs = now.Add(replayFallbackTTL).UnixMilli()
	}
	if err := g.store.Set(ctx, key, replay.Row{
		Key:                  key,
		ExpiresAtMs:          expiresAtMs,
		StatusCode:           result.StatusCode,
		Headers:              headers,
		ContentType:          result.ContentType,
		BodyBytes:            result.Body,
		Signature:            sig.SignatureBase64,
		RequestBindingMode:   offer.RequestBindingMode,
		RequestBindingSHA256: bindingSHA,
	}, now); err != nil {
		g.log.Warn("replay insert failed", zap.String("key", key), zap.Error(err))
	}
}

// ── Claim checks ─────────────────────────────────────────────────────────────

func checkClaims(p paytoken.Payload, offer Offer, providerID string) *PaymentError {
	if p.Aud != providerID || p.PayeeProviderID != providerID {
		return paymentErr(CodeProviderMismatch, "token is not addressed to this provider")
	}
	if p.AmountCents != offer.AmountCents {
		return &PaymentError{
			Code:    CodeAmountMismatch,
			Message: "token amount does not match the offer",
			Details: map[string]any{"offerAmountCents": offer.AmountCents, "tokenAmountCents": p.AmountCents},
		}
	}
	if p.Currency != offer.Currency {
		return &PaymentError{
			Code:    CodeCurrencyMismatch,
			Message: "token currency does not match the offer",
			Details: map[string]any{"offerCurrency": offer.Currency, "tokenCurrency": p.Currency},
		}
	}
	if offer.QuoteRequired && p.QuoteID == "" {
		return paymentErr(CodeQuoteRequired, "offer requires a quoteId claim")
	}
	if offer.QuoteID != "" && p.QuoteID != offer.QuoteID {
		return &PaymentError{
			Code:    CodeQuoteMismatch,
			Message: "token quoteId does not match the offer",
			Details: map[string]any{"offerQuoteId": offer.QuoteID, "tokenQuoteId": p.QuoteID},
		}
	}
	if offer.SpendAuthorizationMode == SpendAuthRequired {
		var missing []string
		for _, claim := range []struct{ name, val string }{
			{"quoteId", p.QuoteID},
			{"idempotencyKey", p.IdempotencyKey},
			{"nonce", p.Nonce},
			{"sponsorRef", p.SponsorRef},
			{"agentKeyId", p.AgentKeyID},
			{"policyFingerprint", p.PolicyFingerprint},
		} {
			if claim.val == "" {
				missing = append(missing, claim.name)
			}
		}
		if len(missing) > 0 {
			return &PaymentError{
				Code:    CodeSpendAuthRequired,
				Message: "token is missing required spend-authorization claims",
				Details: map[string]any{"missingClaims": missing},
			}
		}
	}
	return nil
}

// ── Quote construction ───────────────────────────────────────────────────────

func (g *Gate) buildQuote(offer Offer, bindingSHA, method, pathWithQuery string, now time.Time) (attest.Quote, attest.QuoteSignature, error) {
	quoteID := offer.QuoteID
	if quoteID == "" {
		var err error
		quoteID, err = attest.ComputeQuoteID(offer.ProviderID, offer.ToolID, offer.AmountCents, offer.Currency, offer.RequestBindingMode, bindingSHA, method, pathWithQuery)
		if err != nil {
			return attest.Quote{}, attest.QuoteSignature{}, err
		}
	}
	quote := attest.Quote{
		SchemaVersion:          attest.QuoteSchemaVersion,
		ProviderID:             offer.ProviderID,
		ToolID:                 offer.ToolID,
		AmountCents:            offer.AmountCents,
		Currency:               offer.Currency,
		Address:                offer.Address,
		Network:                offer.Network,
		RequestBindingMode:     offer.RequestBindingMode,
		RequestBindingSHA256:   bindingSHA,
		QuoteRequired:          offer.QuoteRequired,
		QuoteID:                quoteID,
		SpendAuthorizationMode: offer.SpendAuthorizationMode,
		QuotedAt:               now.UTC().Format(time.RFC3339),
		ExpiresAt:              now.Add(time.Duration(g.quoteTTLSecs) * time.Second).UTC().Format(time.RFC3339),
	}
	sig, err := g.signer.SignQuote(quote)
	if err != nil {
		return attest.Quote{}, attest.QuoteSignature{}, err
	}
	return quote, sig, nil
}

// ── Response writers ─────────────────────────────────────────────────────────

func (g *Gate) rejectPayment(c *gin.Context, offer Offer, quote *attest.Quote, quoteSig *attest.QuoteSignature, perr *PaymentError) {
	g.metrics.IncPaymentFailure(perr.Code)
	g.log.Debug("payment rejected",
		zap.String("code", perr.Code),
		zap.String("toolId", offer.ToolID))

	offerHeader := offerHeaderValue(offer)
	c.Header("x-payment-required", offerHeader)
	// Legacy consumers match the uppercase name byte-for-byte; bypass Go's
	// header canonicalization.
	c.Writer.Header()["PAYMENT-REQUIRED"] = []string{offerHeader}
	c.Header("x-nooterra-payment-error", perr.Code)

	body := gin.H{
		"ok":      false,
		"error":   "payment_required",
		"code":    perr.Code,
		"message": perr.Message,
		"offer":   offer,
	}
	if quote != nil && quoteSig != nil {
		quoteHeader, err := attest.EncodeHeader(*quote)
		if err == nil {
			c.Header("x-nooterra-provider-quote", quoteHeader)
		}
		sigHeader, err := attest.EncodeHeader(*quoteSig)
		if err == nil {
			c.Header("x-nooterra-provider-quote-signature", sigHeader)
		}
		body["quote"] = quote
	}
	if perr.Details != nil {
		body["details"] = perr.Details
	}
	c.JSON(http.StatusPaymentRequired, body)
}

func (g *Gate) serverError(c *gin.Context, kind string, err error) {
	g.log.Error(kind, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"ok":      false,
		"error":   kind,
		"message": err.Error(),
	})
}

func writeCached(c *gin.Context, row *replay.Row) {
	for k, v := range row.Headers {
		c.Header(k, v)
	}
	c.Header("x-nooterra-provider-replay", "duplicate")
	c.Data(row.StatusCode, row.ContentType, row.BodyBytes)
}

// offerHeaderValue renders the x-payment-required value: "; "-joined k=v
// pairs, fixed fields first, conditional fields after.
func offerHeaderValue(o Offer) string {
	parts := []string{
		fmt.Sprintf("amountCents=%d", o.AmountCents),
		"currency=" + o.Currency,
		"providerId=" + o.ProviderID,
		"toolId=" + o.ToolID,
		"address=" + o.Address,
		"network=" + o.Network,
		"requestBindingMode=" + o.RequestBindingMode,
	}
	if o.QuoteRequired {
		parts = append(parts, "quoteRequired=1")
	}
	if o.QuoteID != "" {
		parts = append(parts, "quoteId="+o.QuoteID)
	}
	if o.SpendAuthorizationMode == SpendAuthRequired {
		parts = append(parts, "spendAuthorizationMode=required")
	}
	return strings.Join(parts, "; ")
}

// ── Request plumbing ─────────────────────────────────────────────────────────

// parseAuthorization extracts the token from "NooterraPay <token>". The
// scheme match is ASCII-case-insensitive; the token is returned verbatim.
func parseAuthorization(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, authScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func readBody(req *http.Request, max int64) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// ── Per-key execution lock ───────────────────────────────────────────────────

// keyMutex is reference-counted so entries vanish once the last holder
// releases; the map never grows beyond the number of in-flight keys.
type keyMutex struct {
	mu  sync.Mutex
	ref int
}

// lockKey serializes the replay-check/execute/cache window for one replay
// key, so concurrent duplicates see one execution and one cache hit.
func (g *Gate) lockKey(key string) func() {
	if key == "" {
		return func() {}
	}
	g.execMu.Lock()
	km, ok := g.execKeys[key]
	if !ok {
		km = &keyMutex{}
		g.execKeys[key] = km
	}
	km.ref++
	g.execMu.Unlock()

	km.mu.Lock()
	return func() {
		km.mu.Unlock()
		g.execMu.Lock()
		km.ref--
		if km.ref == 0 {
			delete(g.execKeys, key)
		}
		g.execMu.Unlock()
	}
}
