package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, mr
}

func testEvent(toolID string, amountCents int64) Event {
	return Event{
		ProviderID:       "prov_publish_demo",
		GateID:           "gate_" + toolID,
		AuthorizationRef: "auth_x",
		ToolID:           toolID,
		AmountCents:      amountCents,
		Currency:         "USD",
		TokenSHA256:      strings.Repeat("ab", 32),
		ResponseSHA256:   strings.Repeat("cd", 32),
	}
}

// ── Journal ───────────────────────────────────────────────────────────────────

func TestJournal_Record(t *testing.T) {
	rdb, _ := newTestRedis(t)
	j := NewJournal(rdb, nil)
	ctx := context.Background()

	if err := j.Record(ctx, testEvent("bridge.search", 500)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	queueKey := fmt.Sprintf(QueueKeyFmt, "prov_publish_demo")
	raws, err := rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRANGE: %v", err)
	}
	if len(raws) != 1 {
		t.Fatalf("queue length: got %d want 1", len(raws))
	}

	var got Event
	if err := json.Unmarshal([]byte(raws[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ToolID != "bridge.search" || got.AmountCents != 500 || got.Currency != "USD" {
		t.Errorf("event: %+v", got)
	}
	if len(got.EventID) != 36 || strings.Count(got.EventID, "-") != 4 {
		t.Errorf("eventId not a uuid: %q", got.EventID)
	}
	if got.RecordedAt == 0 {
		t.Error("recordedAt not filled")
	}
}

func TestJournal_RecordKeepsCallerIDs(t *testing.T) {
	rdb, _ := newTestRedis(t)
	j := NewJournal(rdb, nil)
	ctx := context.Background()

	ev := testEvent("bridge.search", 500)
	ev.EventID = "evt_fixed"
	ev.RecordedAt = 1234
	if err := j.Record(ctx, ev); err != nil {
		t.Fatal(err)
	}

	raws, _ := rdb.LRange(ctx, fmt.Sprintf(QueueKeyFmt, ev.ProviderID), 0, -1).Result()
	var got Event
	if err := json.Unmarshal([]byte(raws[0]), &got); err != nil {
		t.Fatal(err)
	}
	if got.EventID != "evt_fixed" || got.RecordedAt != 1234 {
		t.Errorf("caller fields overwritten: %+v", got)
	}
}

func TestJournal_RecordRequiresProvider(t *testing.T) {
	rdb, _ := newTestRedis(t)
	j := NewJournal(rdb, nil)

	ev := testEvent("bridge.search", 500)
	ev.ProviderID = ""
	if err := j.Record(context.Background(), ev); err == nil {
		t.Error("expected error, got none")
	}
}

// ── Aggregation ───────────────────────────────────────────────────────────────

func TestConsumer_Apply(t *testing.T) {
	rdb, _ := newTestRedis(t)
	c := NewConsumer(rdb, "prov_publish_demo", ConsumerOptions{})
	ctx := context.Background()

	rawOf := func(ev Event) string {
		b, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}
	batch := []string{
		rawOf(testEvent("bridge.search", 500)),
		rawOf(testEvent("bridge.search", 500)),
		"{not json",
		rawOf(testEvent("actions.send", 900)),
	}

	applied, err := c.apply(ctx, batch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 3 {
		t.Errorf("applied: got %d want 3", applied)
	}

	totals, err := Totals(ctx, rdb, "prov_publish_demo")
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	want := map[string]int64{
		"calls:bridge.search":            2,
		"amount_cents:bridge.search:USD": 1000,
		"calls:actions.send":             1,
		"amount_cents:actions.send:USD":  900,
	}
	for field, n := range want {
		if totals[field] != n {
			t.Errorf("totals[%s]: got %d want %d", field, totals[field], n)
		}
	}
}

func TestTotals_Empty(t *testing.T) {
	rdb, _ := newTestRedis(t)

	totals, err := Totals(context.Background(), rdb, "prov_nobody")
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if len(totals) != 0 {
		t.Errorf("totals: %+v", totals)
	}
}

// ── Consumer loop ─────────────────────────────────────────────────────────────

func TestConsumer_Run(t *testing.T) {
	rdb, _ := newTestRedis(t)
	j := NewJournal(rdb, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue events before the loop starts so the first BLPOP returns at once.
	for i := 0; i < 3; i++ {
		if err := j.Record(ctx, testEvent("bridge.search", 500)); err != nil {
			t.Fatal(err)
		}
	}

	c := NewConsumer(rdb, "prov_publish_demo", ConsumerOptions{PopTimeout: 50 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		totals, err := Totals(ctx, rdb, "prov_publish_demo")
		if err != nil {
			t.Fatalf("Totals: %v", err)
		}
		if totals["calls:bridge.search"] == 3 && totals["amount_cents:bridge.search:USD"] == 1500 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("totals never converged: %+v", totals)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}
