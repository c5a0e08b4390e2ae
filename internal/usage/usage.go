// Package usage journals billable tool executions and aggregates them
// into per-tool totals for downstream settlement. The journal is the
// hand-off point between the gate and whatever settles funds; nothing in
// this repo moves money.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis key templates
const (
	QueueKeyFmt  = "paygate:usage:queue:%s"  // %s = provider id
	TotalsKeyFmt = "paygate:usage:totals:%s" // %s = provider id
)

// Event is one billable execution, recorded after the gate has written a
// paid response. Replays and failures are never journaled.
type Event struct {
	EventID          string `json:"eventId"`
	ProviderID       string `json:"providerId"`
	GateID           string `json:"gateId"`
	AuthorizationRef string `json:"authorizationRef"`
	ToolID           string `json:"toolId"`
	AmountCents      int64  `json:"amountCents"`
	Currency         string `json:"currency"`
	TokenSHA256      string `json:"tokenSha256"`
	ResponseSHA256   string `json:"responseSha256"`
	RecordedAt       int64  `json:"recordedAt"`
}

// Journal appends events to the provider's usage queue.
type Journal struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewJournal(rdb *redis.Client, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{rdb: rdb, log: log}
}

// Record fills in the event id and timestamp when absent and pushes the
// event onto the provider's queue.
func (j *Journal) Record(ctx context.Context, ev Event) error {
	if ev.ProviderID == "" {
		return fmt.Errorf("usage event needs a providerId")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.RecordedAt == 0 {
		ev.RecordedAt = time.Now().Unix()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}
	queueKey := fmt.Sprintf(QueueKeyFmt, ev.ProviderID)
	return j.rdb.RPush(ctx, queueKey, string(raw)).Err()
}

// Consumer drains the usage queue and maintains per-tool totals.
type Consumer struct {
	rdb        *redis.Client
	providerID string
	batchSize  int64
	popTimeout time.Duration
	log        *zap.Logger
}

// ConsumerOptions configure a Consumer. Zero values select the defaults.
type ConsumerOptions struct {
	BatchSize  int64
	PopTimeout time.Duration
	Logger     *zap.Logger
}

func NewConsumer(rdb *redis.Client, providerID string, opts ConsumerOptions) *Consumer {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	timeout := opts.PopTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		rdb:        rdb,
		providerID: providerID,
		batchSize:  batch,
		popTimeout: timeout,
		log:        log,
	}
}

// Run is the consumer loop: BLPOP, drain a batch, aggregate, repeat.
func (c *Consumer) Run(ctx context.Context) {
	queueKey := fmt.Sprintf(QueueKeyFmt, c.providerID)
	c.log.Info("usage consumer started", zap.String("queue", queueKey))

	for {
		if ctx.Err() != nil {
			c.log.Info("usage consumer stopped")
			return
		}

		results, err := c.rdb.BLPop(ctx, c.popTimeout, queueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				c.log.Info("usage consumer stopped")
				return
			}
			c.log.Error("usage consumer: BLPOP", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// results[0] = key, results[1] = the popped event.
		batch := []string{results[1]}
		rest, err := c.rdb.LPopCount(ctx, queueKey, int(c.batchSize-1)).Result()
		if err != nil && err != redis.Nil {
			c.log.Error("usage consumer: LPOP batch", zap.Error(err))
		}
		batch = append(batch, rest...)

		if n, err := c.apply(ctx, batch); err != nil {
			c.log.Error("usage consumer: aggregate", zap.Error(err))
		} else if n > 0 {
			c.log.Debug("usage batch aggregated", zap.Int("events", n))
		}
	}
}

// apply folds raw journal entries into the totals hash. Entries that do
// not parse are logged and skipped; one bad row must not wedge the queue.
func (c *Consumer) apply(ctx context.Context, batch []string) (int, error) {
	totalsKey := fmt.Sprintf(TotalsKeyFmt, c.providerID)
	applied := 0
	for _, raw := range batch {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			c.log.Error("usage consumer: unmarshal event", zap.String("raw", raw), zap.Error(err))
			continue
		}
		if err := c.rdb.HIncrBy(ctx, totalsKey, callsField(ev.ToolID), 1).Err(); err != nil {
			return applied, fmt.Errorf("incr calls for %s: %w", ev.EventID, err)
		}
		if err := c.rdb.HIncrBy(ctx, totalsKey, amountField(ev.ToolID, ev.Currency), ev.AmountCents).Err(); err != nil {
			return applied, fmt.Errorf("incr amount for %s: %w", ev.EventID, err)
		}
		applied++
	}
	return applied, nil
}

// Totals reads the aggregated per-tool counters for a provider.
func Totals(ctx context.Context, rdb *redis.Client, providerID string) (map[string]int64, error) {
	data, err := rdb.HGetAll(ctx, fmt.Sprintf(TotalsKeyFmt, providerID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for field, val := range data {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("totals field %s: %w", field, err)
		}
		out[field] = n
	}
	return out, nil
}

func callsField(toolID string) string {
	return "calls:" + toolID
}

func amountField(toolID, currency string) string {
	return "amount_cents:" + toolID + ":" + currency
}
