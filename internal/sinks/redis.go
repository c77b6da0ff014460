package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisStreamMaxLen caps each time-series stream; older entries trim away.
const redisStreamMaxLen = 10000

// Streamer is the slice of the redis client the sink uses; the real client
// and the test fake both satisfy it.
type Streamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink is the optional time-series sink. Each (index, expiry rule)
// pair gets one capped stream of JSON rows.
type RedisSink struct {
	client Streamer
}

// NewRedisSink dials addr and returns the sink.
func NewRedisSink(addr string) *RedisSink {
	return &RedisSink{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisSinkWith wraps an existing client; tests inject fakes here.
func NewRedisSinkWith(client Streamer) *RedisSink {
	return &RedisSink{client: client}
}

func (r *RedisSink) Name() string { return "redis" }

func optionStreamKey(index, rule string) string {
	return fmt.Sprintf("g6:ts:%s:%s", index, rule)
}

func overviewStreamKey(index, rule string) string {
	return fmt.Sprintf("g6:overview:%s:%s", index, rule)
}

func (r *RedisSink) WriteOptions(ctx context.Context, rows []OptionRow) error {
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("redis sink encode: %w", err)
		}
		err = r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: optionStreamKey(row.Index, row.ExpiryRule),
			MaxLen: redisStreamMaxLen,
			Approx: true,
			Values: map[string]any{"data": string(payload)},
		}).Err()
		if err != nil {
			return fmt.Errorf("redis sink xadd: %w", err)
		}
	}
	return nil
}

func (r *RedisSink) WriteOverview(ctx context.Context, ov OverviewRow) error {
	payload, err := json.Marshal(ov)
	if err != nil {
		return fmt.Errorf("redis sink encode: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: overviewStreamKey(ov.Index, ov.ExpiryRule),
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]any{"data": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis sink xadd overview: %w", err)
	}
	return nil
}

func (r *RedisSink) Close() error {
	if err := r.client.Close(); err != nil {
		log.Warn().Err(err).Msg("redis sink close")
		return err
	}
	return nil
}
