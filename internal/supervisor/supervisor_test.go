package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/transition"
)

type fakeBus struct {
	mu   sync.Mutex
	msgs []messages.Message
	err  error
}

func (b *fakeBus) Publish(_ context.Context, msg messages.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil && msg.Topic() != messages.TopicJobStatus {
		return b.err
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *fakeBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.msgs {
		if m.Topic() != messages.TopicJobStatus {
			out = append(out, m.Topic())
		}
	}
	return out
}

type recordingMirror struct {
	mu     sync.Mutex
	events []RunEvent
	err    error
}

func (m *recordingMirror) Notify(_ context.Context, ev RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *recordingMirror) snapshot() []RunEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunEvent(nil), m.events...)
}

func newSupervisor(t *testing.T) (*Supervisor, store.Store, *fakeBus, *recordingMirror) {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))
	bus := &fakeBus{}
	mirror := &recordingMirror{}
	return New(transition.New(st, bus, nil), mirror), st, bus, mirror
}

func validBrief() models.Brief {
	return models.Brief{Topic: "Deep sea vents", Tone: models.ToneEducational, LengthMinutes: 10}
}

func TestCreateStartsOutlineGeneration(t *testing.T) {
	s, st, bus, mirror := newSupervisor(t)
	ctx := context.Background()

	job, err := s.Create(ctx, validBrief(), "host@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOutlineGeneration, job.Status)
	assert.NotEmpty(t, job.ID)

	got, err := s.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOutlineGeneration, got.Status)
	assert.Equal(t, "host@example.com", got.UserEmail)

	assert.Equal(t, []string{"podcast.outline.generation"}, bus.topics())

	s.Wait()
	events := mirror.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, EventStarted, events[0].Event)
	assert.Equal(t, job.ID, events[0].JobID)
	require.NotNil(t, events[0].Brief)
	assert.Equal(t, "Deep sea vents", events[0].Brief.Topic)

	audit, err := st.ListAudit(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 2)
}

func TestCreateRejectsInvalidBrief(t *testing.T) {
	cases := map[string]struct {
		brief models.Brief
		email string
	}{
		"missing topic":  {brief: models.Brief{Tone: models.ToneCasual, LengthMinutes: 10}},
		"unknown tone":   {brief: models.Brief{Topic: "x", Tone: "grumpy", LengthMinutes: 10}},
		"too long":       {brief: models.Brief{Topic: "x", Tone: models.ToneCasual, LengthMinutes: 61}},
		"bad user email": {brief: validBrief(), email: "not-an-email"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s, st, bus, _ := newSupervisor(t)
			_, err := s.Create(context.Background(), tc.brief, tc.email)
			var berr *BriefError
			require.True(t, errors.As(err, &berr), "got %v", err)

			jobs, err := st.ListJobs(context.Background(), store.JobFilter{})
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.Empty(t, bus.topics())
		})
	}
}

func TestCreateSurvivesEmitFailure(t *testing.T) {
	s, _, bus, _ := newSupervisor(t)
	bus.err = errors.New("redis down")

	job, err := s.Create(context.Background(), validBrief(), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOutlineGeneration, job.Status)
	s.Wait()
}

func TestStatusUnknownJob(t *testing.T) {
	s, _, _, _ := newSupervisor(t)
	_, err := s.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileReemitsImpliedMessage(t *testing.T) {
	s, st, bus, _ := newSupervisor(t)
	ctx := context.Background()

	stuck, err := s.Create(ctx, validBrief(), "")
	require.NoError(t, err)

	parked, err := s.Create(ctx, validBrief(), "")
	require.NoError(t, err)
	for _, status := range []models.Status{models.StatusOutlineEvaluation, models.StatusOutlineApproval} {
		_, err = st.UpdateJob(ctx, parked.ID, func(j *models.Job) error {
			j.Status = status
			if status == models.StatusOutlineApproval {
				j.Approvals.Outline.Requested = true
				j.ApprovalStage = models.StageOutline
			}
			return nil
		})
		require.NoError(t, err)
	}

	done, err := s.Create(ctx, validBrief(), "")
	require.NoError(t, err)
	_, err = st.UpdateJob(ctx, done.ID, func(j *models.Job) error {
		j.Fail("boom")
		return nil
	})
	require.NoError(t, err)

	orphan, err := st.CreateJob(ctx, models.Job{ID: "orphan", Brief: validBrief(), Status: models.StatusPending})
	require.NoError(t, err)
	s.Wait()

	bus.mu.Lock()
	bus.msgs = nil
	bus.mu.Unlock()

	n, err := s.Reconcile(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is stale yet")

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = s.Reconcile(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"podcast.outline.generation", "podcast.outline.generation"}, bus.topics())

	var keys []string
	for _, m := range bus.msgs {
		if m.Topic() != messages.TopicJobStatus {
			keys = append(keys, m.Key())
		}
	}
	assert.ElementsMatch(t, []string{stuck.ID, orphan.ID}, keys)

	got, err := st.GetJob(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOutlineGeneration, got.Status)
}

func TestReconcileRestoresRegenerationFeedback(t *testing.T) {
	s, st, bus, _ := newSupervisor(t)
	ctx := context.Background()

	job, err := s.Create(ctx, validBrief(), "")
	require.NoError(t, err)
	s.Wait()
	require.NoError(t, st.SaveEvaluation(ctx, models.EvaluationResult{
		JobID: job.ID, Stage: models.StageOutline, Passed: false, Feedback: "older feedback",
		Score: models.Score{OverallScore: 0.3},
	}))
	require.NoError(t, st.SaveEvaluation(ctx, models.EvaluationResult{
		JobID: job.ID, Stage: models.StageOutline, Passed: false, Feedback: "tighten the introduction",
		Score: models.Score{OverallScore: 0.5, Issues: []string{"intro too long"}},
	}))
	for _, status := range []models.Status{models.StatusOutlineEvaluation, models.StatusOutlineGeneration} {
		_, err = st.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			j.Status = status
			if status == models.StatusOutlineGeneration {
				j.IncrementRetry(models.StageOutline)
			}
			return nil
		})
		require.NoError(t, err)
	}
	bus.mu.Lock()
	bus.msgs = nil
	bus.mu.Unlock()

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := s.Reconcile(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	var req messages.GenerationRequest
	for _, m := range bus.msgs {
		if r, ok := m.(messages.GenerationRequest); ok {
			req = r
		}
	}
	assert.Equal(t, job.ID, req.JobID)
	assert.Equal(t, "tighten the introduction", req.Feedback)
	assert.Equal(t, []string{"intro too long"}, req.Issues)
	assert.Equal(t, 1, req.Attempt)
}

type failingAuditStore struct {
	store.Store
}

func (failingAuditStore) AppendAudit(context.Context, string, string, string) error {
	return errors.New("audit table locked")
}

func TestReconcileLogsAuditFailure(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))

	var logs bytes.Buffer
	bus := &fakeBus{}
	s := New(transition.New(failingAuditStore{st}, bus, logging.NewWithWriter(&logs, "debug", "text")), nil)

	_, err = s.Create(ctx, validBrief(), "")
	require.NoError(t, err)
	s.Wait()

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := s.Reconcile(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, logs.String(), "reconcile audit not recorded")
	assert.Contains(t, logs.String(), "audit table locked")
}

func TestCancel(t *testing.T) {
	s, st, _, _ := newSupervisor(t)
	ctx := context.Background()

	job, err := s.Create(ctx, validBrief(), "")
	require.NoError(t, err)
	s.Wait()

	cancelled, err := s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, cancelled.Status)
	assert.Equal(t, "Job cancelled by user", cancelled.ErrorMessage)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, err = s.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	_, err = s.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelClearsPendingApproval(t *testing.T) {
	s, st, _, _ := newSupervisor(t)
	ctx := context.Background()

	job, err := s.Create(ctx, validBrief(), "")
	require.NoError(t, err)
	s.Wait()
	for _, status := range []models.Status{models.StatusOutlineEvaluation, models.StatusOutlineApproval} {
		_, err = st.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			j.Status = status
			if status == models.StatusOutlineApproval {
				j.Approvals.Outline.Requested = true
				j.ApprovalStage = models.StageOutline
			}
			return nil
		})
		require.NoError(t, err)
	}

	cancelled, err := s.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled.AwaitingDecision())
	assert.Empty(t, cancelled.PendingStages())
}

func TestRetry(t *testing.T) {
	s, st, bus, _ := newSupervisor(t)
	ctx := context.Background()

	job, err := s.Create(ctx, validBrief(), "host@example.com")
	require.NoError(t, err)

	_, err = s.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = s.Cancel(ctx, job.ID)
	require.NoError(t, err)

	retried, err := s.Retry(ctx, job.ID)
	require.NoError(t, err)
	s.Wait()
	assert.NotEqual(t, job.ID, retried.ID)
	assert.Equal(t, models.StatusOutlineGeneration, retried.Status)
	assert.Equal(t, "host@example.com", retried.UserEmail)
	assert.Equal(t, validBrief().Topic, retried.Brief.Topic)

	old, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, old.Status)

	oldAudit, err := st.ListAudit(ctx, job.ID)
	require.NoError(t, err)
	last := oldAudit[len(oldAudit)-1]
	assert.Equal(t, "retried", last.Event)
	assert.Equal(t, "new job "+retried.ID, last.Detail)

	newAudit, err := st.ListAudit(ctx, retried.ID)
	require.NoError(t, err)
	last = newAudit[len(newAudit)-1]
	assert.Equal(t, "retry_of", last.Event)
	assert.Equal(t, job.ID, last.Detail)

	assert.Equal(t, []string{"podcast.outline.generation", "podcast.outline.generation"}, bus.topics())

	_, err = s.Retry(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRelayStatusMirrorsTerminalEvents(t *testing.T) {
	s, _, _, mirror := newSupervisor(t)
	ctx := context.Background()

	require.NoError(t, s.RelayStatus(ctx, messages.StatusEvent{JobID: "a", Status: models.StatusScriptGeneration, At: time.Now()}))
	assert.Empty(t, mirror.snapshot())

	require.NoError(t, s.RelayStatus(ctx, messages.StatusEvent{JobID: "a", Status: models.StatusFailed, ErrorMessage: "guardrails failed", At: time.Now()}))
	mirror.err = errors.New("scheduler offline")
	require.NoError(t, s.RelayStatus(ctx, messages.StatusEvent{JobID: "b", Status: models.StatusCompleted, At: time.Now()}))

	events := mirror.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, EventFailed, events[0].Event)
	assert.Equal(t, "guardrails failed", events[0].ErrorMessage)
	assert.Equal(t, EventCompleted, events[1].Event)

	assert.Error(t, s.RelayStatus(ctx, messages.Generate(models.Job{ID: "x"}, models.StageOutline)))
}

func TestWebhookMirror(t *testing.T) {
	var got RunEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.JobID == "reject" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := MirrorFromConfig(config.Config{SchedulerWebhookURL: srv.URL, SchedulerTimeout: time.Second})
	require.NoError(t, m.Notify(context.Background(), RunEvent{JobID: "j1", Event: EventStarted, Status: models.StatusOutlineGeneration}))
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, models.StatusOutlineGeneration, got.Status)

	err := m.Notify(context.Background(), RunEvent{JobID: "reject", Event: EventFailed})
	assert.ErrorContains(t, err, "unexpected status 502")

	_, ok := MirrorFromConfig(config.Config{}).(NopMirror)
	assert.True(t, ok)
}
