package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/telemetry"
)

// ErrDeliveryFailed is returned by Publish once every attempt failed and the message was dead-lettered.
var ErrDeliveryFailed = errors.New("delivery failed")

// Options tune stream naming, consumer identity and publish retries.
type Options struct {
	Group          string
	Consumer       string
	MaxLen         int64
	Block          time.Duration
	Count          int64
	Visibility     time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// OptionsFromConfig maps process configuration onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Group:          cfg.ConsumerGroup,
		Consumer:       cfg.ConsumerName,
		MaxLen:         cfg.StreamMaxLen,
		Block:          cfg.ReadBlock,
		Count:          cfg.ReadCount,
		Visibility:     cfg.VisibilityTimeout,
		MaxAttempts:    cfg.PublishMaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}
}

// RedisQueue carries topic messages over Redis Streams with one consumer group per worker kind.
type RedisQueue struct {
	client  *redis.Client
	opts    Options
	dlqKey  string
	logger  *slog.Logger
	groupMu sync.Mutex
	groups  map[string]bool
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config, logger *slog.Logger) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, OptionsFromConfig(cfg), logger)
}

// NewWithClient wraps an existing client. Zero options fall back to defaults.
func NewWithClient(client *redis.Client, opts Options, logger *slog.Logger) *RedisQueue {
	if opts.Group == "" {
		opts.Group = "podcast-generation-group"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker"
	}
	if opts.Count <= 0 {
		opts.Count = 10
	}
	if opts.Visibility == 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 200 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisQueue{
		client: client,
		opts:   opts,
		dlqKey: messages.TopicDeadLetter,
		logger: logger,
		groups: make(map[string]bool),
	}
}

// Client exposes the shared connection for collaborators such as the rate limiter.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Ping checks broker reachability.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Publish encodes msg and appends it to its topic stream, retrying transient failures with
// jittered backoff. On exhaustion the payload is dead-lettered and ErrDeliveryFailed is returned.
func (q *RedisQueue) Publish(ctx context.Context, msg messages.Message) error {
	payload, err := messages.Encode(msg)
	if err != nil {
		return err
	}
	return q.PublishRaw(ctx, msg.Topic(), msg.Key(), payload)
}

// PublishRaw appends an already encoded payload to topic.
func (q *RedisQueue) PublishRaw(ctx context.Context, topic, jobID string, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		lastErr = q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: topic,
			MaxLen: q.opts.MaxLen,
			Approx: q.opts.MaxLen > 0,
			Values: map[string]any{
				fieldJobID:   jobID,
				fieldPayload: string(payload),
			},
		}).Err()
		if lastErr == nil {
			telemetry.MessagesPublished.WithLabelValues(topic).Inc()
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		q.logger.Warn("publish attempt failed", "topic", topic, "job_id", jobID, "attempt", attempt, "error", lastErr)
		if attempt < q.opts.MaxAttempts {
			telemetry.PublishRetries.Inc()
			if err := sleepCtx(ctx, BackoffWithJitter(q.opts.BackoffInitial, q.opts.BackoffMax, attempt)); err != nil {
				break
			}
		}
	}

	entry := DeadLetter{
		OriginalTopic: topic,
		JobID:         jobID,
		Message:       string(payload),
		Error:         lastErr.Error(),
		Component:     "producer",
	}
	// The DLQ write must not be cancelled together with the caller.
	if err := q.DeadLetter(context.WithoutCancel(ctx), entry); err != nil {
		q.logger.Error("dead-letter write failed", "topic", topic, "job_id", jobID, "error", err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, topic, lastErr)
}

// Depth returns the number of entries held by each topic stream.
func (q *RedisQueue) Depth(ctx context.Context, topics []string) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(topics))
	for _, t := range topics {
		cmds[t] = pipe.XLen(ctx, t)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make(map[string]int64, len(topics))
	for t, c := range cmds {
		out[t] = c.Val()
	}
	return out, nil
}

// BackoffWithJitter returns an exponential delay capped at max, jittered into [wait/2, wait).
func BackoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
