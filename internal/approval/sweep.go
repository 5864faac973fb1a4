package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
	"podcast-pipeline/internal/transition"
)

// Sweeper fails jobs whose human approval deadline passed.
type Sweeper struct {
	mover  *transition.Mover
	logger *slog.Logger
	batch  uint64
	now    func() time.Time
}

func NewSweeper(mover *transition.Mover) *Sweeper {
	return &Sweeper{mover: mover, logger: mover.Logger(), batch: 100, now: time.Now}
}

// Sweep runs one pass and returns the number of jobs failed. A job decided concurrently is left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	jobs, err := s.mover.Store().ListJobs(ctx, store.JobFilter{ApprovalBefore: now, Limit: s.batch})
	if err != nil {
		return 0, fmt.Errorf("list expired approvals: %w", err)
	}
	failed := 0
	for _, job := range jobs {
		_, err := s.mover.Apply(ctx, job.ID, func(j *models.Job) error {
			if !j.AwaitingDecision() || j.ApprovalTimeout == nil || !j.ApprovalTimeout.Before(now) {
				return store.ErrSkip
			}
			j.Fail(fmt.Sprintf("approval timeout: %s approval not received before %s",
				j.ApprovalStage, j.ApprovalTimeout.UTC().Format(time.RFC3339)))
			return nil
		})
		switch {
		case err == nil:
			failed++
			telemetry.ApprovalTimeouts.Inc()
			s.logger.Warn("approval timed out", "job_id", job.ID, "stage", job.ApprovalStage)
		case errors.Is(err, store.ErrSkip), errors.Is(err, store.ErrConflict):
		default:
			return failed, err
		}
	}
	return failed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("approval sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("approval sweep", "failed", n)
			}
		}
	}
}
