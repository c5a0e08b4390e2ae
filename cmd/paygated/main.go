package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nooterra-labs/paygate/internal/config"
	"github.com/nooterra-labs/paygate/internal/gate"
	"github.com/nooterra-labs/paygate/internal/keys"
	"github.com/nooterra-labs/paygate/internal/keyset"
	"github.com/nooterra-labs/paygate/internal/manifest"
	"github.com/nooterra-labs/paygate/internal/metrics"
	"github.com/nooterra-labs/paygate/internal/replay"
	"github.com/nooterra-labs/paygate/internal/upstream"
	"github.com/nooterra-labs/paygate/internal/usage"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Provider keypair ──────────────────────────────────────────────────────
	kp, err := providerKeypair(cfg, log)
	if err != nil {
		log.Fatal("provider keypair", zap.Error(err))
	}
	kid, err := kp.KeyID()
	if err != nil {
		log.Fatal("provider key id", zap.Error(err))
	}
	published, err := keyset.FromPEM(kp.PublicKeyPEM, time.Now())
	if err != nil {
		log.Fatal("publishable keyset", zap.Error(err))
	}

	// ── Keyset resolver (payment-token verification keys) ─────────────────────
	resolver, err := buildResolver(cfg, log)
	if err != nil {
		log.Fatal("keyset resolver init failed", zap.Error(err))
	}

	// ── Redis (replay backend and/or usage journal) ───────────────────────────
	var rdb *redis.Client
	if cfg.Replay.Backend == config.ReplayBackendRedis || cfg.Usage.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
	}

	// ── Replay store ──────────────────────────────────────────────────────────
	var store replay.Store
	var memStore *replay.MemoryStore
	switch cfg.Replay.Backend {
	case config.ReplayBackendRedis:
		store = replay.NewRedisStore(rdb)
	default:
		memStore = replay.NewMemoryStore(cfg.Replay.MaxKeys)
		store = memStore
	}

	// ── Tool manifests ────────────────────────────────────────────────────────
	if cfg.Manifest.Dir == "" {
		log.Fatal("no tool manifests configured; set PAYGATE_MANIFEST_DIR")
	}
	manifests, err := manifest.LoadDir(cfg.Manifest.Dir)
	if err != nil {
		log.Fatal("manifest load failed", zap.Error(err))
	}
	if len(manifests) == 0 {
		log.Fatal("manifest dir holds no tools", zap.String("dir", cfg.Manifest.Dir))
	}

	// ── Execute pipeline ──────────────────────────────────────────────────────
	exec := echoExecute
	if cfg.Upstream.BaseURL != "" {
		fwd := upstream.New(upstream.Options{
			Timeout:          time.Duration(cfg.Upstream.TimeoutSec) * time.Second,
			MaxResponseBytes: cfg.Upstream.MaxResponseBytes,
			Logger:           log,
		})
		baseURL := cfg.Upstream.BaseURL
		exec = func(ctx context.Context, call *gate.Call) (*gate.Result, error) {
			return fwd.Execute(ctx, baseURL, call)
		}
	}
	if cfg.Usage.Enabled {
		exec = journaled(exec, usage.NewJournal(rdb, log), log)
	}

	// ── Gate ──────────────────────────────────────────────────────────────────
	g, err := gate.New(gate.Options{
		ProviderID:            cfg.Provider.ID,
		PriceFor:              offerFromContext,
		Execute:               exec,
		ProviderPublicKeyPEM:  kp.PublicKeyPEM,
		ProviderPrivateKeyPEM: kp.PrivateKeyPEM,
		Resolver:              resolver,
		ReplayStore:           store,
		ReplayTTLBufferMs:     cfg.Replay.TTLBufferMs,
		QuoteTTLSeconds:       cfg.Gate.QuoteTTLSec,
		MaxRequestBodyBytes:   cfg.Gate.MaxRequestBodyBytes,
		PaymentAddress:        cfg.Provider.Address,
		PaymentNetwork:        cfg.Provider.Network,
		Logger:                log,
		Metrics:               metrics.Gate(),
	})
	if err != nil {
		log.Fatal("gate init failed", zap.Error(err))
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	if memStore != nil {
		go runSweeper(ctx, memStore, time.Duration(cfg.Replay.SweepIntervalSec)*time.Second, log)
	}
	if cfg.Usage.Enabled {
		consumer := usage.NewConsumer(rdb, cfg.Provider.ID, usage.ConsumerOptions{Logger: log})
		go consumer.Run(ctx)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/healthz", func(c *gin.Context) {
		if rdb != nil {
			if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "redis unreachable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/.well-known/nooterra-pay-keys.json", func(c *gin.Context) {
		c.Header("Cache-Control", fmt.Sprintf("max-age=%d", cfg.Keyset.PublishMaxAgeSec))
		c.JSON(http.StatusOK, published)
	})

	handler := g.Handler()
	for _, m := range manifests {
		offer := m.RawOffer()
		r.Handle(m.Endpoint.Method, m.Endpoint.Path, bindOffer(offer, handler))
		log.Info("tool registered",
			zap.String("toolId", m.ToolID),
			zap.String("method", m.Endpoint.Method),
			zap.String("path", m.Endpoint.Path),
			zap.Int64("amountCents", m.Pricing.AmountCents),
			zap.String("currency", m.Pricing.Currency),
		)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("paygate starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("providerId", cfg.Provider.ID),
			zap.String("keyId", kid),
			zap.Int("tools", len(manifests)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// providerKeypair loads the PEM files named by config, or generates an
// ephemeral pair in dev mode. Dev attestations do not survive a restart.
func providerKeypair(cfg *config.Config, log *zap.Logger) (keys.Keypair, error) {
	if cfg.Provider.DevKeys {
		log.Warn("using generated dev keys; attestations will not verify across restarts")
		return keys.Generate()
	}
	pub, err := os.ReadFile(cfg.Provider.PublicKeyFile)
	if err != nil {
		return keys.Keypair{}, fmt.Errorf("read public key: %w", err)
	}
	priv, err := os.ReadFile(cfg.Provider.PrivateKeyFile)
	if err != nil {
		return keys.Keypair{}, fmt.Errorf("read private key: %w", err)
	}
	return keys.Keypair{PublicKeyPEM: string(pub), PrivateKeyPEM: string(priv)}, nil
}

func buildResolver(cfg *config.Config, log *zap.Logger) (*keyset.Resolver, error) {
	opts := keyset.ResolverOptions{
		KeysetURL:       cfg.Keyset.URL,
		PinnedOnly:      cfg.Keyset.PinnedOnly,
		DefaultMaxAgeMs: cfg.Keyset.MaxAgeMs,
		FetchTimeoutMs:  cfg.Keyset.FetchTimeoutMs,
		Logger:          log,
	}
	if cfg.Keyset.PinnedPublicKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.Keyset.PinnedPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read pinned key: %w", err)
		}
		opts.PinnedPublicKeyPEM = string(pemBytes)
	}
	return keyset.NewResolver(opts)
}

// offerKey carries the route's offer through the request context, so one
// gate backs every registered tool route.
type offerKey struct{}

func bindOffer(offer gate.RawOffer, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), offerKey{}, offer))
		h(c)
	}
}

func offerFromContext(_ context.Context, req *http.Request) (gate.RawOffer, error) {
	offer, ok := req.Context().Value(offerKey{}).(gate.RawOffer)
	if !ok {
		return gate.RawOffer{}, fmt.Errorf("no tool offer bound to %s %s", req.Method, req.URL.Path)
	}
	return offer, nil
}

// echoExecute reflects the admitted call back as canonical JSON. It serves
// dev and demo deployments that have no upstream configured.
func echoExecute(_ context.Context, call *gate.Call) (*gate.Result, error) {
	resp := map[string]any{
		"ok":     true,
		"toolId": call.Offer.ToolID,
		"method": call.Request.Method,
		"path":   call.URL.Path,
	}
	if q := call.URL.RawQuery; q != "" {
		resp["query"] = q
	}
	if len(call.RequestBody) > 0 {
		sum := sha256.Sum256(call.RequestBody)
		resp["bodySha256"] = hex.EncodeToString(sum[:])
	}
	return gate.JSONResult(resp)
}

// journaled records a usage event after every successful execution. Replays
// never reach the executor, so each authorization is journaled at most once.
// A journal failure is logged, not returned: the tool already ran, and
// failing the response would only force a re-execution on retry.
func journaled(exec func(context.Context, *gate.Call) (*gate.Result, error), journal *usage.Journal, log *zap.Logger) func(context.Context, *gate.Call) (*gate.Result, error) {
	return func(ctx context.Context, call *gate.Call) (*gate.Result, error) {
		result, err := exec(ctx, call)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(result.Body)
		ev := usage.Event{
			ProviderID:       call.Offer.ProviderID,
			GateID:           call.Verification.Payload.GateID,
			AuthorizationRef: call.Verification.Payload.AuthorizationRef,
			ToolID:           call.Offer.ToolID,
			AmountCents:      call.Offer.AmountCents,
			Currency:         call.Offer.Currency,
			TokenSHA256:      call.Verification.TokenSHA256,
			ResponseSHA256:   hex.EncodeToString(sum[:]),
		}
		if jerr := journal.Record(ctx, ev); jerr != nil {
			log.Error("usage journal failed", zap.String("toolId", ev.ToolID), zap.Error(jerr))
		}
		return result, nil
	}
}

// requestID tags every response, minting an id when the caller sent none.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("x-request-id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("x-request-id", id)
		c.Next()
	}
}

// runSweeper prunes expired replay rows on a fixed cadence. Only the memory
// store needs this; Redis rows expire server-side.
func runSweeper(ctx context.Context, store *replay.MemoryStore, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("replay sweeper started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("replay sweeper stopped")
			return
		case <-ticker.C:
			if n := store.Prune(time.Now()); n > 0 {
				log.Debug("replay rows pruned", zap.Int("count", n))
			}
		}
	}
}
