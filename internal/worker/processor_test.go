package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/queue"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/transition"
)

const group = "test-group"

type harness struct {
	queue *queue.RedisQueue
	store store.Store
	proc  *Processor
	job   models.Job
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewWithClient(client, queue.Options{Group: group, Consumer: "w1", Visibility: time.Millisecond}, nil)

	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))

	job, err := st.CreateJob(ctx, models.Job{
		ID:     uuid.NewString(),
		Status: models.StatusPending,
		Brief:  models.Brief{Topic: "Comets", Tone: models.ToneCasual, LengthMinutes: 5},
	})
	require.NoError(t, err)
	job, err = st.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.StatusOutlineGeneration
		return nil
	})
	require.NoError(t, err)

	return &harness{
		queue: q,
		store: st,
		proc:  NewProcessor(q, transition.New(st, q, nil), "outline-worker", nil),
		job:   job,
	}
}

var outlineTopic = messages.Topic(models.StageOutline, messages.PhaseGeneration)

func (h *harness) publish(t *testing.T) {
	t.Helper()
	require.NoError(t, h.queue.Publish(context.Background(), messages.Generate(h.job, models.StageOutline)))
}

func (h *harness) pending(t *testing.T) int64 {
	t.Helper()
	res, err := h.queue.Client().XPending(context.Background(), outlineTopic, group).Result()
	require.NoError(t, err)
	return res.Count
}

func (h *harness) deadLetters(t *testing.T) []queue.DeadLetter {
	t.Helper()
	entries, err := h.queue.DLQPeek(context.Background(), 10)
	require.NoError(t, err)
	return entries
}

func TestAckHappensAfterHandler(t *testing.T) {
	h := newHarness(t)
	var seen []string
	var pendingDuring int64
	h.proc.RegisterHandler(outlineTopic, func(ctx context.Context, msg messages.Message) error {
		seen = append(seen, msg.Key())
		pendingDuring = h.pending(t)
		return nil
	})
	h.publish(t)

	n, err := h.proc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{h.job.ID}, seen)
	assert.Equal(t, int64(1), pendingDuring)
	assert.Equal(t, int64(0), h.pending(t))
	assert.Empty(t, h.deadLetters(t))
}

func TestMalformedPayloadIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	called := false
	h.proc.RegisterHandler(outlineTopic, func(context.Context, messages.Message) error {
		called = true
		return nil
	})
	require.NoError(t, h.queue.EnsureGroups(context.Background(), []string{outlineTopic}))
	require.NoError(t, h.queue.PublishRaw(context.Background(), outlineTopic, h.job.ID, []byte(`{"job_id":"`+h.job.ID+`","stage":"script"}`)))

	_, err := h.proc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, int64(0), h.pending(t))

	dl := h.deadLetters(t)
	require.Len(t, dl, 1)
	assert.Equal(t, outlineTopic, dl[0].OriginalTopic)
	assert.Equal(t, "outline-worker", dl[0].Component)
	assert.Equal(t, h.job.ID, dl[0].JobID)
	assert.Contains(t, dl[0].Error, "malformed message")

	got, err := h.store.GetJob(context.Background(), h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOutlineGeneration, got.Status)
}

func TestHandlerErrorFailsJob(t *testing.T) {
	cases := map[string]struct {
		handler Handler
		wantMsg string
	}{
		"error": {
			handler: func(context.Context, messages.Message) error { return errors.New("llm unavailable") },
			wantMsg: "llm unavailable",
		},
		"panic": {
			handler: func(context.Context, messages.Message) error { panic("boom") },
			wantMsg: "panic: boom",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.proc.RegisterHandler(outlineTopic, tc.handler)
			h.publish(t)

			_, err := h.proc.ProcessOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(0), h.pending(t))

			got, err := h.store.GetJob(context.Background(), h.job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, got.Status)
			assert.Equal(t, tc.wantMsg, got.ErrorMessage)

			dl := h.deadLetters(t)
			require.Len(t, dl, 1)
			assert.Equal(t, tc.wantMsg, dl[0].Error)
			assert.Equal(t, "outline-worker", dl[0].Component)

			_, err = messages.Decode(dl[0].OriginalTopic, []byte(dl[0].Message))
			assert.NoError(t, err, "dead letter keeps the full payload")
		})
	}
}

func TestDeliveryFailureLeavesJobAlone(t *testing.T) {
	h := newHarness(t)
	h.proc.RegisterHandler(outlineTopic, func(context.Context, messages.Message) error {
		return fmt.Errorf("emit next: %w", queue.ErrDeliveryFailed)
	})
	h.publish(t)

	_, err := h.proc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.pending(t))
	assert.Empty(t, h.deadLetters(t))

	got, err := h.store.GetJob(context.Background(), h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOutlineGeneration, got.Status)
}

func TestInterruptedHandlerStaysPending(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.proc.RegisterHandler(outlineTopic, func(ctx context.Context, _ messages.Message) error {
		cancel()
		return ctx.Err()
	})
	h.publish(t)

	deliveries, err := h.queue.Read(context.Background(), h.proc.Topics())
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	h.proc.Process(ctx, deliveries[0])

	assert.Equal(t, int64(1), h.pending(t))
	got, err := h.store.GetJob(context.Background(), h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOutlineGeneration, got.Status)

	time.Sleep(5 * time.Millisecond)
	reclaimed, err := h.queue.Reclaim(context.Background(), h.proc.Topics())
	require.NoError(t, err)
	assert.Len(t, reclaimed, 1)
}

func TestRunRequiresHandlers(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.proc.Run(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	done := make(chan struct{})
	h.proc.RegisterHandler(outlineTopic, func(context.Context, messages.Message) error {
		close(done)
		return nil
	})
	h.publish(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.proc.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
