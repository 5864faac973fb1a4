package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"podcast-pipeline/internal/models"
)

// sqliteTime is fixed width so text comparison orders like time.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLite is the embedded single-node backend.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path. Use ":memory:" for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps writes serialized and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() {
	if s != nil && s.db != nil {
		_ = s.db.Close()
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, v)
	if err != nil {
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}

// CreateJob inserts a new job row and records a "created" audit event.
func (s *SQLite) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if !job.Status.Valid() {
		return models.Job{}, fmt.Errorf("create job: invalid status %q", job.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	row, err := encodeJob(job)
	if err != nil {
		return models.Job{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), string(row.brief), job.UserEmail, nullableBytes(row.outline), job.Script,
		job.AudioURL, job.RSSFeedURL, job.ErrorMessage, job.RetryCount, string(row.stageRetries),
		string(row.approvals), string(job.ApprovalStage), nullableTime(job.ApprovalTimeout),
		nullableBytes(row.continuation), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
		nullableTime(job.CompletedAt))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, 'created', ?, ?)`,
		job.ID, string(job.Status), formatTime(now)); err != nil {
		return models.Job{}, fmt.Errorf("insert audit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// UpdateJob serializes writers in-process and guards against other processes with a
// compare-and-swap on the updated_at value read inside the transaction.
func (s *SQLite) UpdateJob(ctx context.Context, id string, mutate func(*models.Job) error) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return models.Job{}, err
	}
	readAt := formatTime(job.UpdatedAt)
	now := time.Now().UTC()
	if !now.After(job.UpdatedAt) {
		now = job.UpdatedAt.Add(time.Microsecond)
	}
	prev, err := applyMutation(&job, mutate, now)
	if err != nil {
		return job, err
	}
	row, err := encodeJob(job)
	if err != nil {
		return models.Job{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs
		SET status = ?, outline = ?, script = ?, audio_url = ?, rss_feed_url = ?, error_message = ?,
		    retry_count = ?, stage_retries = ?, approvals = ?, approval_stage = ?, approval_timeout = ?,
		    continuation = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ? AND updated_at = ?`,
		string(job.Status), nullableBytes(row.outline), job.Script, job.AudioURL, job.RSSFeedURL, job.ErrorMessage,
		job.RetryCount, string(row.stageRetries), string(row.approvals), string(job.ApprovalStage),
		nullableTime(job.ApprovalTimeout), nullableBytes(row.continuation), formatTime(job.UpdatedAt),
		nullableTime(job.CompletedAt), id, string(prev), readAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Job{}, ErrConflict
	}
	if prev != job.Status {
		if _, err := tx.ExecContext(ctx, `INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, 'status', ?, ?)`,
			id, transitionDetail(prev, job.Status, job.ErrorMessage), formatTime(now)); err != nil {
			return models.Job{}, fmt.Errorf("insert audit: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, oldest first.
func (s *SQLite) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	query, args, err := jobSelect(f, sq.Question, func(t time.Time) any { return formatTime(t) }).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build job query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// SaveEvaluation appends an evaluation row.
func (s *SQLite) SaveEvaluation(ctx context.Context, r models.EvaluationResult) error {
	score, err := marshalScore(r.Score)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO evaluation_results (job_id, stage, score, passed, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, r.JobID, string(r.Stage), string(score), r.Passed, r.Feedback, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// ListEvaluations returns a job's evaluation rows in insertion order.
func (s *SQLite) ListEvaluations(ctx context.Context, jobID string) ([]models.EvaluationResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, stage, score, passed, feedback, created_at
		FROM evaluation_results WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()
	var out []models.EvaluationResult
	for rows.Next() {
		var r models.EvaluationResult
		var stage, score, created string
		if err := rows.Scan(&r.ID, &r.JobID, &stage, &score, &r.Passed, &r.Feedback, &created); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		r.Stage = models.Stage(stage)
		if err := unmarshalScore([]byte(score), &r.Score); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveGuardrail appends a guardrail row.
func (s *SQLite) SaveGuardrail(ctx context.Context, r models.GuardrailResult) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO guardrail_results (job_id, stage, guardrail_type, passed, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, r.JobID, string(r.Stage), r.GuardrailType, r.Passed,
		string(detailsOrEmpty(r.Details)), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert guardrail: %w", err)
	}
	return nil
}

// ListGuardrails returns a job's guardrail rows in insertion order.
func (s *SQLite) ListGuardrails(ctx context.Context, jobID string) ([]models.GuardrailResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, stage, guardrail_type, passed, details, created_at
		FROM guardrail_results WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list guardrails: %w", err)
	}
	defer rows.Close()
	var out []models.GuardrailResult
	for rows.Next() {
		var r models.GuardrailResult
		var stage, details, created string
		if err := rows.Scan(&r.ID, &r.JobID, &stage, &r.GuardrailType, &r.Passed, &details, &created); err != nil {
			return nil, fmt.Errorf("scan guardrail: %w", err)
		}
		r.Stage = models.Stage(stage)
		r.Details = []byte(details)
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (s *SQLite) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_logs (job_id, event, detail, ts) VALUES (?, ?, ?, ?)`,
		jobID, event, detail, formatTime(time.Now()))
	return err
}

// ListAudit returns a job's audit trail oldest first.
func (s *SQLite) ListAudit(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		var ts string
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if a.Recorded, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse ts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var status, brief, stageRetries, approvals, approvalStage, created, updated string
	var outline, continuation, approvalTimeout, completedAt sql.NullString

	err := row.Scan(&job.ID, &status, &brief, &job.UserEmail, &outline, &job.Script, &job.AudioURL,
		&job.RSSFeedURL, &job.ErrorMessage, &job.RetryCount, &stageRetries, &approvals, &approvalStage,
		&approvalTimeout, &continuation, &created, &updated, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	job.ApprovalStage = models.Stage(approvalStage)
	if job.CreatedAt, err = parseTime(created); err != nil {
		return models.Job{}, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return models.Job{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if job.ApprovalTimeout, err = parseNullTime(approvalTimeout); err != nil {
		return models.Job{}, fmt.Errorf("parse approval_timeout: %w", err)
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return models.Job{}, fmt.Errorf("parse completed_at: %w", err)
	}
	r := jobRow{
		brief:        []byte(brief),
		stageRetries: []byte(stageRetries),
		approvals:    []byte(approvals),
	}
	if outline.Valid {
		r.outline = []byte(outline.String)
	}
	if continuation.Valid {
		r.continuation = []byte(continuation.String)
	}
	if err := r.decodeInto(&job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
