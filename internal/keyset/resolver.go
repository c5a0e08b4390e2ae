package keyset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Where a resolved keyset came from.
const (
	SourceNone           = "none"
	SourceWellKnown      = "well-known"
	SourcePinnedOnly     = "pinned-only"
	SourcePinnedFallback = "pinned-fallback"
)

// ErrUnavailable reports that no keyset could be resolved: the fetch
// failed and no pinned key was configured.
var ErrUnavailable = errors.New("keyset unavailable")

const (
	defaultMaxAgeMs    = 60_000
	defaultFetchMs     = 2_000
	defaultPinnedMaxMs = 60_000
	maxKeysetBodyBytes = 1 << 20
)

// ResolverOptions configures a Resolver. KeysetURL may be empty when
// PinnedOnly is set.
type ResolverOptions struct {
	KeysetURL          string
	PinnedPublicKeyPEM string
	PinnedKeyID        string
	PinnedOnly         bool
	DefaultMaxAgeMs    int64
	FetchTimeoutMs     int64
	PinnedMaxAgeMs     int64
	HTTPClient         *http.Client
	Logger             *zap.Logger

	// Now is a test seam; nil means time.Now.
	Now func() time.Time
}

// Resolver caches the keyset between fetches. Concurrent cache misses
// coalesce on fetchMu: one caller fetches, the rest find its result on
// the re-check.
type Resolver struct {
	keysetURL   string
	pinned      *Keyset
	pinnedOnly  bool
	maxAgeMs    int64
	fetchMs     int64
	pinnedMaxMs int64
	client      *http.Client
	log         *zap.Logger
	now         func() time.Time

	fetchMu sync.Mutex

	mu          sync.RWMutex
	cached      *Keyset
	source      string
	expiresAtMs int64
}

// Result pairs a keyset with the source it was resolved from.
type Result struct {
	Keyset *Keyset
	Source string
}

// NewResolver validates options and derives the pinned keyset up front
// so misconfigured pins fail at construction, not at request time.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	r := &Resolver{
		keysetURL:   opts.KeysetURL,
		pinnedOnly:  opts.PinnedOnly,
		maxAgeMs:    opts.DefaultMaxAgeMs,
		fetchMs:     opts.FetchTimeoutMs,
		pinnedMaxMs: opts.PinnedMaxAgeMs,
		client:      opts.HTTPClient,
		log:         opts.Logger,
		now:         opts.Now,
		source:      SourceNone,
	}
	if r.maxAgeMs <= 0 {
		r.maxAgeMs = defaultMaxAgeMs
	}
	if r.fetchMs <= 0 {
		r.fetchMs = defaultFetchMs
	}
	if r.pinnedMaxMs <= 0 {
		r.pinnedMaxMs = defaultPinnedMaxMs
	}
	if r.client == nil {
		r.client = http.DefaultClient
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}

	if opts.PinnedPublicKeyPEM != "" {
		pinned, err := FromPEM(opts.PinnedPublicKeyPEM, r.now())
		if err != nil {
			return nil, fmt.Errorf("pinned key: %w", err)
		}
		if opts.PinnedKeyID != "" && opts.PinnedKeyID != pinned.Keys[0].KeyID {
			return nil, fmt.Errorf("%w: pinnedKeyId %q does not match pinned key", ErrInvalidKeyset, opts.PinnedKeyID)
		}
		r.pinned = pinned
	}
	if r.pinnedOnly && r.pinned == nil {
		return nil, fmt.Errorf("%w: pinnedOnly requires pinnedPublicKeyPem", ErrInvalidKeyset)
	}
	if !r.pinnedOnly && r.keysetURL == "" && r.pinned == nil {
		return nil, fmt.Errorf("%w: neither keysetUrl nor a pinned key configured", ErrInvalidKeyset)
	}
	return r, nil
}

// Get returns the current keyset, fetching or falling back as needed.
func (r *Resolver) Get(ctx context.Context) (Result, error) {
	nowMs := r.now().UnixMilli()
	if res, ok := r.cachedResult(nowMs); ok {
		return res, nil
	}

	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()

	// A leader may have refreshed the cache while we waited.
	nowMs = r.now().UnixMilli()
	if res, ok := r.cachedResult(nowMs); ok {
		return res, nil
	}

	if r.pinnedOnly {
		return r.store(r.pinned, SourcePinnedOnly, nowMs+r.pinnedMaxMs), nil
	}

	ks, maxAgeMs, err := r.fetch(ctx)
	if err == nil {
		return r.store(ks, SourceWellKnown, nowMs+maxAgeMs), nil
	}

	if r.pinned != nil {
		r.log.Warn("keyset fetch failed, using pinned fallback",
			zap.String("url", r.keysetURL), zap.Error(err))
		return r.store(r.pinned, SourcePinnedFallback, nowMs+r.pinnedMaxMs), nil
	}
	return Result{Source: SourceNone}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// ClearCache drops any cached keyset; the next Get resolves fresh.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
	r.source = SourceNone
	r.expiresAtMs = 0
}

func (r *Resolver) cachedResult(nowMs int64) (Result, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cached != nil && r.expiresAtMs > nowMs {
		return Result{Keyset: r.cached, Source: r.source}, true
	}
	return Result{}, false
}

func (r *Resolver) store(ks *Keyset, source string, expiresAtMs int64) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = ks
	r.source = source
	r.expiresAtMs = expiresAtMs
	return Result{Keyset: ks, Source: source}
}

func (r *Resolver) fetch(ctx context.Context) (*Keyset, int64, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(r.fetchMs)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, r.keysetURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build keyset request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch keyset: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, fmt.Errorf("fetch keyset: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeysetBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read keyset body: %w", err)
	}
	ks, err := Parse(body)
	if err != nil {
		return nil, 0, err
	}
	return ks, maxAgeFromCacheControl(resp.Header.Get("Cache-Control"), r.maxAgeMs), nil
}

// maxAgeFromCacheControl extracts max-age seconds as milliseconds,
// ignoring every other directive. Absent or invalid values fall back to
// the configured default.
func maxAgeFromCacheControl(header string, defaultMs int64) int64 {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		k, v, found := strings.Cut(directive, "=")
		if !found || !strings.EqualFold(strings.TrimSpace(k), "max-age") {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || secs < 0 {
			return defaultMs
		}
		return secs * 1000
	}
	return defaultMs
}
