package queue

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
)

func newTestQueue(t *testing.T, consumer string) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewWithClient(client, Options{
		Group:          "test-group",
		Consumer:       consumer,
		MaxAttempts:    2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		Visibility:     time.Millisecond,
	}, nil)
	return q, mr
}

func outlineRequest() messages.GenerationRequest {
	return messages.GenerationRequest{
		JobID: "job-1",
		Stage: models.StageOutline,
		Brief: models.Brief{Topic: "X", Tone: models.ToneCasual, LengthMinutes: 10},
	}
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := BackoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := BackoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if got := BackoffWithJitter(base, max, 40); got > max {
		t.Fatalf("backoff not capped: %s", got)
	}
}

func TestPublishReadAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "c1")
	topic := messages.Topic(models.StageOutline, messages.PhaseGeneration)
	require.NoError(t, q.EnsureGroups(ctx, []string{topic}))

	require.NoError(t, q.Publish(ctx, outlineRequest()))

	deliveries, err := q.Read(ctx, []string{topic})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.Equal(t, topic, d.Topic)
	assert.Equal(t, "job-1", d.JobID)

	msg, err := messages.Decode(d.Topic, d.Payload)
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.Key())

	// Nothing new for this consumer until something else is published.
	again, err := q.Read(ctx, []string{topic})
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Ack(ctx, d))
	pending, err := q.Client().XPending(ctx, topic, "test-group").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestUnackedDeliveryIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q1, mr := newTestQueue(t, "c1")
	topic := messages.Topic(models.StageOutline, messages.PhaseGeneration)
	require.NoError(t, q1.Publish(ctx, outlineRequest()))

	first, err := q1.Read(ctx, []string{topic})
	require.NoError(t, err)
	require.Len(t, first, 1)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q2 := NewWithClient(client, Options{Group: "test-group", Consumer: "c2", Visibility: time.Millisecond}, nil)

	time.Sleep(10 * time.Millisecond)
	reclaimed, err := q2.Reclaim(ctx, []string{topic})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, first[0].ID, reclaimed[0].ID)
	require.NoError(t, q2.Ack(ctx, reclaimed[0]))
}

func TestPublishExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, "c1")
	topic := messages.Topic(models.StageOutline, messages.PhaseGeneration)
	// A string key makes every XADD to the topic fail with WRONGTYPE.
	require.NoError(t, mr.Set(topic, "occupied"))

	err := q.Publish(ctx, outlineRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeliveryFailed))

	entries, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, topic, entries[0].OriginalTopic)
	assert.Equal(t, "producer", entries[0].Component)
	assert.Equal(t, "job-1", entries[0].JobID)
	assert.Contains(t, entries[0].Error, "WRONGTYPE")
	assert.Contains(t, entries[0].Message, `"job_id":"job-1"`)
	assert.False(t, entries[0].Timestamp.IsZero())

	// Once the topic is usable again the entry replays onto it.
	mr.Del(topic)
	replayed, err := q.Replay(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, topic, replayed.OriginalTopic)

	left, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)

	got, err := q.Read(ctx, []string{topic})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "job-1", got[0].JobID)

	_, err = q.Replay(ctx, "0-1")
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
}

func TestDepth(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, "c1")
	topic := messages.Topic(models.StageOutline, messages.PhaseGeneration)
	require.NoError(t, q.Publish(ctx, outlineRequest()))
	require.NoError(t, q.Publish(ctx, outlineRequest()))

	depth, err := q.Depth(ctx, []string{topic, "podcast.script.generation"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth[topic])
	assert.Equal(t, int64(0), depth["podcast.script.generation"])
}
