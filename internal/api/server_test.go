package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-pipeline/internal/approval"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/queue"
	"podcast-pipeline/internal/ratelimit"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/supervisor"
	"podcast-pipeline/internal/transition"
)

type testEnv struct {
	srv    *httptest.Server
	store  store.Store
	queue  *queue.RedisQueue
	tokens *approval.Tokens
}

func newTestEnv(t *testing.T, capacity int) *testEnv {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewWithClient(client, queue.Options{}, nil)

	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.RunMigrations(ctx))

	cfg := config.Config{Policy: config.DefaultPolicy(), ReconcileStaleAfter: time.Hour}
	mover := transition.New(st, q, nil)
	tokens := approval.NewTokens("api-secret", time.Hour)
	sup := supervisor.New(mover, supervisor.NopMirror{})
	t.Cleanup(sup.Wait)

	srv := httptest.NewServer(New(cfg, Deps{
		Supervisor: sup,
		Decider:    approval.NewDecider(mover, tokens, cfg.Policy),
		Sweeper:    approval.NewSweeper(mover),
		Store:      st,
		Queue:      q,
		Limiter:    ratelimit.NewTokenBucket(client, capacity, 0.01, time.Minute),
	}).Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, queue: q, tokens: tokens}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

var brief = map[string]any{
	"topic":          "Urban beekeeping",
	"tone":           "casual",
	"length_minutes": 10,
	"key_points":     []string{"hive placement"},
	"user_email":     "host@example.com",
}

func TestCreateJob(t *testing.T) {
	e := newTestEnv(t, 10)

	resp, body := e.do(t, http.MethodPost, "/jobs", brief)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, string(models.StatusOutlineGeneration), body["status"])
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)

	job, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"hive placement"}, job.Brief.KeyPoints)
	assert.Equal(t, "host@example.com", job.UserEmail)

	depth, err := e.queue.Depth(context.Background(), []string{"podcast.outline.generation"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth["podcast.outline.generation"])

	resp, body = e.do(t, http.MethodGet, "/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["job_id"])
	assert.Equal(t, string(models.StatusOutlineGeneration), body["status"])

	resp, body = e.do(t, http.MethodGet, "/jobs?status=outline_generation", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["jobs"], 1)
}

func TestCreateJobRejectsInvalidBrief(t *testing.T) {
	e := newTestEnv(t, 10)

	resp, body := e.do(t, http.MethodPost, "/jobs", map[string]any{"topic": "x", "tone": "sarcastic", "length_minutes": 10})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "tone must be one of")

	resp, _ = e.do(t, http.MethodPost, "/jobs", map[string]any{"topic": "x", "tone": "casual", "length_minutes": 2})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/jobs", bytes.NewReader([]byte("{oops")))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	jobs, err := e.store.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCreateJobRateLimited(t *testing.T) {
	e := newTestEnv(t, 1)

	resp, _ := e.do(t, http.MethodPost, "/jobs", brief, "X-Client-ID", "studio-a")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/jobs", brief, "X-Client-ID", "studio-a")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate limited", body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, _ = e.do(t, http.MethodPost, "/jobs", brief, "X-Client-ID", "studio-b")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUnknownJobIs404(t *testing.T) {
	e := newTestEnv(t, 10)
	for _, path := range []string{"/jobs/missing", "/jobs/missing/evaluations", "/jobs/missing/guardrails"} {
		resp, _ := e.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestCancelAndRetryJob(t *testing.T) {
	e := newTestEnv(t, 10)
	ctx := context.Background()

	_, body := e.do(t, http.MethodPost, "/jobs", brief)
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)

	resp, _ := e.do(t, http.MethodPost, "/jobs/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.StatusFailed), body["status"])

	job, err := e.store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Job cancelled by user", job.ErrorMessage)

	resp, body = e.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "cannot be cancelled")

	resp, body = e.do(t, http.MethodPost, "/jobs/"+id+"/retry", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, id, body["retry_of"])
	assert.Equal(t, string(models.StatusOutlineGeneration), body["status"])
	newID, _ := body["job_id"].(string)
	require.NotEmpty(t, newID)
	assert.NotEqual(t, id, newID)

	retried, err := e.store.GetJob(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, "Urban beekeeping", retried.Brief.Topic)
	assert.Equal(t, "host@example.com", retried.UserEmail)

	for _, path := range []string{"/jobs/missing/cancel", "/jobs/missing/retry"} {
		resp, _ := e.do(t, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestAuditViews(t *testing.T) {
	e := newTestEnv(t, 10)
	ctx := context.Background()
	_, body := e.do(t, http.MethodPost, "/jobs", brief)
	id := body["job_id"].(string)

	require.NoError(t, e.store.SaveEvaluation(ctx, models.EvaluationResult{JobID: id, Stage: models.StageOutline, Score: models.Score{OverallScore: 0.9}, Passed: true}))
	require.NoError(t, e.store.SaveGuardrail(ctx, models.GuardrailResult{JobID: id, Stage: models.StageOutline, GuardrailType: "toxicity", Passed: true}))

	resp, body := e.do(t, http.MethodGet, "/jobs/"+id+"/evaluations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)

	resp, body = e.do(t, http.MethodGet, "/jobs/"+id+"/guardrails", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)
}

// parkAtOutlineApproval creates a job waiting on a human outline decision.
func (e *testEnv) parkAtOutlineApproval(t *testing.T, deadline time.Time) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := e.store.CreateJob(ctx, models.Job{
		ID:     uuid.NewString(),
		Status: models.StatusPending,
		Brief:  models.Brief{Topic: "Tides", Tone: models.ToneEducational, LengthMinutes: 10},
	})
	require.NoError(t, err)
	for _, status := range []models.Status{models.StatusOutlineGeneration, models.StatusOutlineEvaluation, models.StatusOutlineApproval} {
		job, err = e.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			j.Status = status
			j.Outline = &models.Outline{Title: "Tides", Introduction: "Intro", Sections: []models.OutlineSection{{Title: "Moon"}}, Conclusion: "End"}
			if status == models.StatusOutlineApproval {
				now := time.Now().UTC()
				j.Approvals.Outline.Requested = true
				j.Approvals.Outline.RequestedAt = &now
				j.ApprovalStage = models.StageOutline
				j.ApprovalTimeout = &deadline
			}
			return nil
		})
		require.NoError(t, err)
	}
	return job
}

func (e *testEnv) token(t *testing.T, job models.Job, action approval.Action) string {
	t.Helper()
	tok, err := e.tokens.Issue(job.ID, models.StageOutline, action)
	require.NoError(t, err)
	return tok
}

func TestDecideApprove(t *testing.T) {
	e := newTestEnv(t, 10)
	job := e.parkAtOutlineApproval(t, time.Now().Add(time.Hour))
	tok := e.token(t, job, approval.ActionApprove)

	resp, body := e.do(t, http.MethodPost, "/approvals/decide", map[string]string{"token": tok, "action": "approve"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.StatusScriptGeneration), body["status"])

	resp, _ = e.do(t, http.MethodPost, "/approvals/decide", map[string]string{"token": tok, "action": "approve"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	depth, err := e.queue.Depth(context.Background(), []string{"podcast.script.generation"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth["podcast.script.generation"])
}

func TestDecideRejectViaEmailLink(t *testing.T) {
	e := newTestEnv(t, 10)
	job := e.parkAtOutlineApproval(t, time.Now().Add(time.Hour))
	q := url.Values{"token": {e.token(t, job, approval.ActionReject)}, "action": {"reject"}, "feedback": {"More history"}}

	resp, body := e.do(t, http.MethodGet, "/approvals/decide?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.StatusOutlineGeneration), body["status"])

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Retries(models.StageOutline))
}

func TestDecideErrors(t *testing.T) {
	e := newTestEnv(t, 10)
	job := e.parkAtOutlineApproval(t, time.Now().Add(time.Hour))
	approve := e.token(t, job, approval.ActionApprove)

	resp, _ := e.do(t, http.MethodPost, "/approvals/decide", map[string]string{"token": approve, "action": "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/approvals/decide", map[string]string{"action": "approve"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/approvals/decide", map[string]string{"token": "garbage", "action": "approve"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/approvals/decide", map[string]string{"token": approve, "action": "reject"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "token bound to a different action")

	late := e.parkAtOutlineApproval(t, time.Now().Add(-time.Minute))
	resp, _ = e.do(t, http.MethodPost, "/approvals/decide", map[string]string{"token": e.token(t, late, approval.ActionApprove), "action": "approve"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOutlineApproval, got.Status)
}

func TestAdminSweep(t *testing.T) {
	e := newTestEnv(t, 10)
	job := e.parkAtOutlineApproval(t, time.Now().Add(-time.Minute))

	resp, body := e.do(t, http.MethodPost, "/admin/sweep", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["timed_out"])

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestAdminReconcile(t *testing.T) {
	e := newTestEnv(t, 10)
	e.do(t, http.MethodPost, "/jobs", brief)

	resp, body := e.do(t, http.MethodPost, "/admin/reconcile?stale_after=0s", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["emitted"])

	resp, _ = e.do(t, http.MethodPost, "/admin/reconcile?stale_after=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDLQListAndReplay(t *testing.T) {
	e := newTestEnv(t, 10)
	ctx := context.Background()
	job := models.Job{ID: "job-1", Brief: models.Brief{Topic: "Tides", Tone: models.ToneCasual, LengthMinutes: 5}}
	payload, err := messages.Encode(messages.Generate(job, models.StageOutline))
	require.NoError(t, err)
	require.NoError(t, e.queue.DeadLetter(ctx, queue.DeadLetter{
		OriginalTopic: "podcast.outline.generation",
		JobID:         "job-1",
		Message:       string(payload),
		Error:         "llm unavailable",
		Component:     "worker",
	}))

	resp, body := e.do(t, http.MethodGet, "/dlq", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, _ := body["items"].([]any)
	require.Len(t, items, 1)
	id := items[0].(map[string]any)["id"].(string)

	resp, _ = e.do(t, http.MethodPost, "/dlq/"+id+"/replay", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	depth, err := e.queue.Depth(ctx, []string{"podcast.outline.generation"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth["podcast.outline.generation"])

	resp, _ = e.do(t, http.MethodPost, "/dlq/"+id+"/replay", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, 10)
	resp, body := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
