package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"podcast-pipeline/internal/models"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a concurrent writer changed the row between read and write.
	ErrConflict = errors.New("job modified concurrently")
	// ErrIllegalTransition is returned when a mutation moves status along an edge the state machine forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrSkip may be returned by an UpdateJob mutate func to abort without writing.
	ErrSkip = errors.New("update skipped")
)

// Store persists jobs, evaluation and guardrail rows, and the audit trail.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// UpdateJob runs mutate against the row locked for the duration of the call and writes the
	// result if the status edge is legal. Status changes are audited.
	UpdateJob(ctx context.Context, id string, mutate func(*models.Job) error) (models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)

	SaveEvaluation(ctx context.Context, r models.EvaluationResult) error
	ListEvaluations(ctx context.Context, jobID string) ([]models.EvaluationResult, error)
	SaveGuardrail(ctx context.Context, r models.GuardrailResult) error
	ListGuardrails(ctx context.Context, jobID string) ([]models.GuardrailResult, error)

	AppendAudit(ctx context.Context, jobID, event, detail string) error
	ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error)

	RunMigrations(ctx context.Context) error
	Close()
}

// Open picks a backend from the DSN scheme: postgres:// or postgresql:// for Postgres,
// sqlite:// or a plain path for SQLite.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return New(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case dsn == "":
		return nil, errors.New("empty database url")
	default:
		return OpenSQLite(ctx, dsn)
	}
}

// JobFilter narrows ListJobs. Zero fields do not filter.
type JobFilter struct {
	Statuses       []models.Status
	ExcludeStatus  []models.Status
	UpdatedBefore  time.Time
	ApprovalBefore time.Time
	Limit          uint64
}

const jobColumns = "id, status, brief, user_email, outline, script, audio_url, rss_feed_url, error_message, " +
	"retry_count, stage_retries, approvals, approval_stage, approval_timeout, continuation, " +
	"created_at, updated_at, completed_at"

func jobSelect(f JobFilter, ph sq.PlaceholderFormat, ts func(time.Time) any) sq.SelectBuilder {
	b := sq.StatementBuilder.PlaceholderFormat(ph).
		Select(jobColumns).
		From("jobs").
		OrderBy("created_at ASC")
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": statusStrings(f.Statuses)})
	}
	if len(f.ExcludeStatus) > 0 {
		b = b.Where(sq.NotEq{"status": statusStrings(f.ExcludeStatus)})
	}
	if !f.UpdatedBefore.IsZero() {
		b = b.Where(sq.Lt{"updated_at": ts(f.UpdatedBefore)})
	}
	if !f.ApprovalBefore.IsZero() {
		b = b.Where(sq.And{
			sq.NotEq{"approval_stage": ""},
			sq.Lt{"approval_timeout": ts(f.ApprovalBefore)},
		})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}
	return b
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// jobRow is the column-level encoding of a job shared by both backends.
type jobRow struct {
	brief        []byte
	outline      []byte
	stageRetries []byte
	approvals    []byte
	continuation []byte
}

func encodeJob(job models.Job) (jobRow, error) {
	var r jobRow
	var err error
	if r.brief, err = json.Marshal(job.Brief); err != nil {
		return r, fmt.Errorf("marshal brief: %w", err)
	}
	if job.Outline != nil {
		if r.outline, err = json.Marshal(job.Outline); err != nil {
			return r, fmt.Errorf("marshal outline: %w", err)
		}
	}
	retries := job.StageRetries
	if retries == nil {
		retries = map[models.Stage]int{}
	}
	if r.stageRetries, err = json.Marshal(retries); err != nil {
		return r, fmt.Errorf("marshal stage retries: %w", err)
	}
	if r.approvals, err = json.Marshal(job.Approvals); err != nil {
		return r, fmt.Errorf("marshal approvals: %w", err)
	}
	if job.Continuation != nil {
		if r.continuation, err = json.Marshal(job.Continuation); err != nil {
			return r, fmt.Errorf("marshal continuation: %w", err)
		}
	}
	return r, nil
}

func (r jobRow) decodeInto(job *models.Job) error {
	if err := json.Unmarshal(r.brief, &job.Brief); err != nil {
		return fmt.Errorf("unmarshal brief: %w", err)
	}
	if len(r.outline) > 0 && string(r.outline) != "null" {
		job.Outline = &models.Outline{}
		if err := json.Unmarshal(r.outline, job.Outline); err != nil {
			return fmt.Errorf("unmarshal outline: %w", err)
		}
	}
	if len(r.stageRetries) > 0 {
		if err := json.Unmarshal(r.stageRetries, &job.StageRetries); err != nil {
			return fmt.Errorf("unmarshal stage retries: %w", err)
		}
	}
	if len(r.approvals) > 0 {
		if err := json.Unmarshal(r.approvals, &job.Approvals); err != nil {
			return fmt.Errorf("unmarshal approvals: %w", err)
		}
	}
	if len(r.continuation) > 0 && string(r.continuation) != "null" {
		job.Continuation = &models.Continuation{}
		if err := json.Unmarshal(r.continuation, job.Continuation); err != nil {
			return fmt.Errorf("unmarshal continuation: %w", err)
		}
	}
	return nil
}

// applyMutation runs mutate and enforces the state machine. It returns the previous status.
func applyMutation(job *models.Job, mutate func(*models.Job) error, now time.Time) (models.Status, error) {
	id, prev, created := job.ID, job.Status, job.CreatedAt
	if err := mutate(job); err != nil {
		return prev, err
	}
	job.ID, job.CreatedAt = id, created
	if !models.CanTransition(prev, job.Status) {
		return prev, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, prev, job.Status)
	}
	if job.Status != models.StatusFailed {
		job.ErrorMessage = ""
	}
	if job.Status.Terminal() && job.CompletedAt == nil {
		t := now
		job.CompletedAt = &t
	}
	job.UpdatedAt = now
	return prev, nil
}

func transitionDetail(prev, next models.Status, errMsg string) string {
	if errMsg != "" {
		return fmt.Sprintf("%s -> %s: %s", prev, next, errMsg)
	}
	return fmt.Sprintf("%s -> %s", prev, next)
}

func marshalScore(s models.Score) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal score: %w", err)
	}
	return data, nil
}

func unmarshalScore(data []byte, s *models.Score) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("unmarshal score: %w", err)
	}
	return nil
}

func detailsOrEmpty(d json.RawMessage) []byte {
	if len(d) == 0 {
		return []byte("{}")
	}
	return d
}
