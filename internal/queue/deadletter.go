package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/telemetry"
)

// DeadLetter is an entry of the dead-letter stream.
type DeadLetter struct {
	ID            string    `json:"id"`
	OriginalTopic string    `json:"original_topic"`
	JobID         string    `json:"job_id,omitempty"`
	Message       string    `json:"message"`
	Error         string    `json:"error"`
	Component     string    `json:"component"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrDeadLetterNotFound is returned when replaying an unknown entry.
var ErrDeadLetterNotFound = errors.New("dead-letter entry not found")

// DeadLetter appends an entry to the dead-letter stream.
func (q *RedisQueue) DeadLetter(ctx context.Context, entry DeadLetter) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.dlqKey,
		Values: map[string]any{
			"original_topic": entry.OriginalTopic,
			"job_id":         entry.JobID,
			"message":        entry.Message,
			"error":          entry.Error,
			"component":      entry.Component,
			"timestamp":      entry.Timestamp.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	telemetry.DeadLettered.WithLabelValues(entry.Component).Inc()
	return nil
}

// DLQPeek reads the latest dead-lettered entries, newest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	msgs, err := q.client.XRevRangeN(ctx, q.dlqKey, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toDeadLetter(m))
	}
	return out, nil
}

// Replay republishes a dead-lettered message to its original topic and removes it from the DLQ.
func (q *RedisQueue) Replay(ctx context.Context, id string) (DeadLetter, error) {
	msgs, err := q.client.XRangeN(ctx, q.dlqKey, id, id, 1).Result()
	if err != nil {
		return DeadLetter{}, fmt.Errorf("read dead letter %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	entry := toDeadLetter(msgs[0])
	if entry.OriginalTopic == "" || entry.OriginalTopic == messages.TopicDeadLetter {
		return entry, fmt.Errorf("dead letter %s has no replayable topic", id)
	}
	if err := q.PublishRaw(ctx, entry.OriginalTopic, entry.JobID, []byte(entry.Message)); err != nil {
		return entry, err
	}
	if err := q.client.XDel(ctx, q.dlqKey, id).Err(); err != nil {
		return entry, fmt.Errorf("remove replayed dead letter: %w", err)
	}
	return entry, nil
}

func toDeadLetter(m redis.XMessage) DeadLetter {
	str := func(k string) string {
		v, _ := m.Values[k].(string)
		return v
	}
	ts, _ := time.Parse(time.RFC3339Nano, str("timestamp"))
	return DeadLetter{
		ID:            m.ID,
		OriginalTopic: str("original_topic"),
		JobID:         str("job_id"),
		Message:       str("message"),
		Error:         str("error"),
		Component:     str("component"),
		Timestamp:     ts,
	}
}
