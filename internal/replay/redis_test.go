package replay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	// PEXPIREAT is evaluated against miniredis's clock, so align it with
	// the fixed t0 the rows are written against.
	mr.SetTime(t0)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, mr
}

// ── Set / Get ─────────────────────────────────────────────────────────────────

func TestRedisStore_SetGet(t *testing.T) {
	rdb, mr := newTestRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()

	row := Row{
		Key:                  "auth_1",
		ExpiresAtMs:          t0.Add(time.Hour).UnixMilli(),
		StatusCode:           200,
		Headers:              map[string]string{"x-nooterra-provider-nonce": "0011"},
		ContentType:          "application/json",
		BodyBytes:            []byte("binary\x00body"),
		Signature:            "sig-header",
		RequestBindingMode:   "strict",
		RequestBindingSHA256: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	}
	if err := s.Set(ctx, "auth_1", row, t0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, "auth_1", t0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected row, got nil")
	}
	if got.StatusCode != row.StatusCode {
		t.Errorf("StatusCode: got %d want %d", got.StatusCode, row.StatusCode)
	}
	if got.ExpiresAtMs != row.ExpiresAtMs {
		t.Errorf("ExpiresAtMs: got %d want %d", got.ExpiresAtMs, row.ExpiresAtMs)
	}
	if string(got.BodyBytes) != string(row.BodyBytes) {
		t.Errorf("BodyBytes: got %q want %q", got.BodyBytes, row.BodyBytes)
	}
	if got.Headers["x-nooterra-provider-nonce"] != "0011" {
		t.Errorf("Headers: %+v", got.Headers)
	}
	if got.ContentType != row.ContentType {
		t.Errorf("ContentType: got %q want %q", got.ContentType, row.ContentType)
	}
	if got.Signature != row.Signature {
		t.Errorf("Signature: got %q want %q", got.Signature, row.Signature)
	}
	if got.RequestBindingMode != "strict" || got.RequestBindingSHA256 != row.RequestBindingSHA256 {
		t.Errorf("binding fields: %+v", got)
	}

	// The key carries a real TTL so Redis reclaims it on its own.
	if mr.TTL(redisKey("auth_1")) == 0 {
		t.Error("expected a TTL on the replay key")
	}
}

func TestRedisStore_GetMissing(t *testing.T) {
	rdb, _ := newTestRedis(t)
	s := NewRedisStore(rdb)

	got, err := s.Get(context.Background(), "nope", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

// ── Expiry ────────────────────────────────────────────────────────────────────

func TestRedisStore_ExpiredByCallerClock(t *testing.T) {
	rdb, mr := newTestRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()

	row := testRow("auth_1", t0.Add(time.Minute))
	if err := s.Set(ctx, "auth_1", row, t0); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "auth_1", t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expired row should be invisible")
	}
	if mr.Exists(redisKey("auth_1")) {
		t.Error("expired key should have been deleted")
	}
}

func TestRedisStore_SetAlreadyExpiredIsNoop(t *testing.T) {
	rdb, mr := newTestRedis(t)
	s := NewRedisStore(rdb)
	ctx := context.Background()

	row := testRow("auth_1", t0.Add(-time.Minute))
	if err := s.Set(ctx, "auth_1", row, t0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if mr.Exists(redisKey("auth_1")) {
		t.Error("already-expired row should not be stored")
	}
}
