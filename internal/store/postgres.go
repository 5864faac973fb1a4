package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"podcast-pipeline/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a new job row and records a "created" audit event.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if !job.Status.Valid() {
		return models.Job{}, fmt.Errorf("create job: invalid status %q", job.Status)
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	row, err := encodeJob(job)
	if err != nil {
		return models.Job{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, job.ID, string(job.Status), row.brief, job.UserEmail, row.outline, job.Script, job.AudioURL, job.RSSFeedURL,
		job.ErrorMessage, job.RetryCount, row.stageRetries, row.approvals, string(job.ApprovalStage),
		job.ApprovalTimeout, row.continuation, job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, 'created', $2, $3)
	`, job.ID, string(job.Status), now); err != nil {
		return models.Job{}, fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanPGJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// UpdateJob locks the row with SELECT ... FOR UPDATE, applies mutate and writes it back with a
// compare-and-swap on the status read under the lock.
func (s *Postgres) UpdateJob(ctx context.Context, id string, mutate func(*models.Job) error) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanPGJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Job{}, err
	}
	now := time.Now().UTC()
	prev, err := applyMutation(&job, mutate, now)
	if err != nil {
		return job, err
	}
	row, err := encodeJob(job)
	if err != nil {
		return models.Job{}, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $3, outline = $4, script = $5, audio_url = $6, rss_feed_url = $7, error_message = $8,
		    retry_count = $9, stage_retries = $10, approvals = $11, approval_stage = $12, approval_timeout = $13,
		    continuation = $14, updated_at = $15, completed_at = $16
		WHERE id = $1 AND status = $2
	`, id, string(prev), string(job.Status), row.outline, job.Script, job.AudioURL, job.RSSFeedURL, job.ErrorMessage,
		job.RetryCount, row.stageRetries, row.approvals, string(job.ApprovalStage), job.ApprovalTimeout,
		row.continuation, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, ErrConflict
	}
	if prev != job.Status {
		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, 'status', $2, $3)
		`, id, transitionDetail(prev, job.Status, job.ErrorMessage), now); err != nil {
			return models.Job{}, fmt.Errorf("insert audit: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, oldest first.
func (s *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	query, args, err := jobSelect(f, sq.Dollar, func(t time.Time) any { return t.UTC() }).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build job query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SaveEvaluation appends an evaluation row.
func (s *Postgres) SaveEvaluation(ctx context.Context, r models.EvaluationResult) error {
	score, err := marshalScore(r.Score)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO evaluation_results (job_id, stage, score, passed, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, r.JobID, string(r.Stage), score, r.Passed, r.Feedback)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// ListEvaluations returns a job's evaluation rows in insertion order.
func (s *Postgres) ListEvaluations(ctx context.Context, jobID string) ([]models.EvaluationResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, stage, score, passed, feedback, created_at
		FROM evaluation_results WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()
	var out []models.EvaluationResult
	for rows.Next() {
		var r models.EvaluationResult
		var stage string
		var score []byte
		if err := rows.Scan(&r.ID, &r.JobID, &stage, &score, &r.Passed, &r.Feedback, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		r.Stage = models.Stage(stage)
		if err := unmarshalScore(score, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveGuardrail appends a guardrail row.
func (s *Postgres) SaveGuardrail(ctx context.Context, r models.GuardrailResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO guardrail_results (job_id, stage, guardrail_type, passed, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, r.JobID, string(r.Stage), r.GuardrailType, r.Passed, detailsOrEmpty(r.Details))
	if err != nil {
		return fmt.Errorf("insert guardrail: %w", err)
	}
	return nil
}

// ListGuardrails returns a job's guardrail rows in insertion order.
func (s *Postgres) ListGuardrails(ctx context.Context, jobID string) ([]models.GuardrailResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, stage, guardrail_type, passed, details, created_at
		FROM guardrail_results WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list guardrails: %w", err)
	}
	defer rows.Close()
	var out []models.GuardrailResult
	for rows.Next() {
		var r models.GuardrailResult
		var stage string
		var details []byte
		if err := rows.Scan(&r.ID, &r.JobID, &stage, &r.GuardrailType, &r.Passed, &details, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan guardrail: %w", err)
		}
		r.Stage = models.Stage(stage)
		r.Details = details
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ListAudit returns a job's audit trail oldest first.
func (s *Postgres) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPGJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var r jobRow
	var status, approvalStage string
	var approvalTimeout, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &status, &r.brief, &job.UserEmail, &r.outline, &job.Script, &job.AudioURL,
		&job.RSSFeedURL, &job.ErrorMessage, &job.RetryCount, &r.stageRetries, &r.approvals, &approvalStage,
		&approvalTimeout, &r.continuation, &job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	job.ApprovalStage = models.Stage(approvalStage)
	job.ApprovalTimeout = timestampPtr(approvalTimeout)
	job.CompletedAt = timestampPtr(completedAt)
	if err := r.decodeInto(&job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func timestampPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
