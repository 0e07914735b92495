package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Sink receives the batch of every delivered pass
type Sink interface {
	Publish(ctx context.Context, b Batch) error
	Close() error
}

// streamMaxLen caps the durable stream via XADD MAXLEN ~
const streamMaxLen int64 = 10000

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// pub/sub channel for live consumers
	Channel string
	// optional stream for consumers that need history
	Stream string
}

// RedisSink publishes batches on a pub/sub channel and, if configured,
// appends them to a stream.
type RedisSink struct {
	rdb     *redis.Client
	channel string
	stream  string
}

// NewRedisSink connects and pings before returning.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Channel == "" {
		return nil, errors.New("redis: channel is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisSink{rdb: rdb, channel: cfg.Channel, stream: cfg.Stream}, nil
}

func (s *RedisSink) Publish(ctx context.Context, b Batch) error {
	payload, err := Encode(b)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", s.channel, err)
	}
	if s.stream == "" {
		return nil
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"pass_id": b.PassID,
			"payload": payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

// MultiSink publishes to every sink and joins their errors
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, b Batch) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes one log line per opportunity
type LogSink struct {
	Log *slog.Logger
}

func (l LogSink) Publish(_ context.Context, b Batch) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	for i, m := range b.Opportunities {
		log.Info("opportunity",
			slog.String("pass_id", b.PassID),
			slog.Uint64("block", b.Block),
			slog.Int("rank", i+1),
			slog.String("route", m.Route),
			slog.String("amount_in", m.AmountIn),
			slog.String("profit", m.Profit),
			slog.String("profit_decimal", m.ProfitDecimal),
		)
	}
	return nil
}

func (LogSink) Close() error { return nil }
