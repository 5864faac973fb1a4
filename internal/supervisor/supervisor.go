// Package supervisor accepts new jobs, reports their status and resumes jobs whose follow-up
// message was lost.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
	"podcast-pipeline/internal/transition"
)

// BriefError reports a rejected job request. No job is created.
type BriefError struct {
	Err error
}

func (e *BriefError) Error() string { return e.Err.Error() }
func (e *BriefError) Unwrap() error { return e.Err }

var (
	// ErrNotCancellable is returned when cancelling a job that already finished.
	ErrNotCancellable = errors.New("job cannot be cancelled")
	// ErrNotRetryable is returned when retrying a job that has not failed.
	ErrNotRetryable = errors.New("only failed jobs can be retried")
)

const (
	reconcileBatch   = 500
	cancelledMessage = "Job cancelled by user"
)

// Supervisor is the entry point of the pipeline.
type Supervisor struct {
	mover  *transition.Mover
	store  store.Store
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time

	mirrorTimeout time.Duration
	wg            sync.WaitGroup
}

func New(mover *transition.Mover, mirror Mirror) *Supervisor {
	if mirror == nil {
		mirror = NopMirror{}
	}
	return &Supervisor{
		mover:         mover,
		store:         mover.Store(),
		mirror:        mirror,
		logger:        mover.Logger().With("component", "supervisor"),
		now:           time.Now,
		mirrorTimeout: 30 * time.Second,
	}
}

// Create validates the brief, persists a new job, moves it to outline generation and emits the
// first generation request. A failed emit is logged; the reconciler picks the job up later.
func (s *Supervisor) Create(ctx context.Context, brief models.Brief, email string) (models.Job, error) {
	if err := brief.Validate(); err != nil {
		return models.Job{}, &BriefError{Err: err}
	}
	if email != "" {
		if err := models.Validator().Var(email, "email"); err != nil {
			return models.Job{}, &BriefError{Err: fmt.Errorf("invalid brief: user_email %q is not an email address", email)}
		}
	}

	job, err := s.store.CreateJob(ctx, models.Job{
		ID:        uuid.NewString(),
		Brief:     brief,
		UserEmail: email,
		Status:    models.StatusPending,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsCreated.Inc()
	s.logger.Info("job created", "job_id", job.ID, "topic", brief.Topic)

	job, err = s.start(ctx, job.ID)
	if err != nil {
		return job, err
	}
	s.mirrorAsync(RunEvent{JobID: job.ID, Event: EventStarted, Status: job.Status, Brief: &job.Brief, At: s.now().UTC()})
	return job, nil
}

func (s *Supervisor) start(ctx context.Context, id string) (models.Job, error) {
	job, err := s.mover.Apply(ctx, id, func(j *models.Job) error {
		if j.Status != models.StatusPending {
			return store.ErrSkip
		}
		j.Status = models.StatusOutlineGeneration
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("start job %s: %w", id, err)
	}
	if err := s.mover.Emit(ctx, messages.Generate(job, models.StageOutline)); err != nil {
		s.logger.Warn("first generation request not delivered", "job_id", id, "error", err)
	}
	return job, nil
}

// Status returns the current view of a job. Unknown ids yield store.ErrNotFound.
func (s *Supervisor) Status(ctx context.Context, id string) (models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Cancel fails a live job. Deliveries still in flight for it are acked as stale by the stage
// workers and outstanding decision tokens stop working.
func (s *Supervisor) Cancel(ctx context.Context, id string) (models.Job, error) {
	job, err := s.mover.Apply(ctx, id, func(j *models.Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: job is %s", ErrNotCancellable, j.Status)
		}
		j.Fail(cancelledMessage)
		return nil
	})
	if err != nil {
		return job, err
	}
	s.logger.Info("job cancelled", "job_id", id)
	return job, nil
}

// Retry starts a new job from the brief of a failed one. FAILED is absorbing, so the failed job
// is left as it is and both audit trails record the link.
func (s *Supervisor) Retry(ctx context.Context, id string) (models.Job, error) {
	failed, err := s.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if failed.Status != models.StatusFailed {
		return models.Job{}, fmt.Errorf("%w: job is %s", ErrNotRetryable, failed.Status)
	}
	job, err := s.Create(ctx, failed.Brief, failed.UserEmail)
	if err != nil {
		return job, err
	}
	if err := s.store.AppendAudit(ctx, failed.ID, "retried", "new job "+job.ID); err != nil {
		s.logger.Warn("retry audit not recorded", "job_id", failed.ID, "error", err)
	}
	if err := s.store.AppendAudit(ctx, job.ID, "retry_of", failed.ID); err != nil {
		s.logger.Warn("retry audit not recorded", "job_id", job.ID, "error", err)
	}
	s.logger.Info("job retried", "job_id", failed.ID, "new_job_id", job.ID)
	return job, nil
}

// Reconcile re-emits the message implied by the status of every live job untouched for staleAfter.
// Jobs waiting on a human decision are left alone. It returns the number of messages emitted.
func (s *Supervisor) Reconcile(ctx context.Context, staleAfter time.Duration) (int, error) {
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{
		ExcludeStatus: []models.Status{models.StatusCompleted, models.StatusFailed},
		UpdatedBefore: s.now().Add(-staleAfter),
		Limit:         reconcileBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	emitted := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		if job.Status == models.StatusPending {
			if _, err := s.start(ctx, job.ID); err != nil {
				if !errors.Is(err, store.ErrSkip) {
					s.logger.Warn("could not start pending job", "job_id", job.ID, "error", err)
				}
				continue
			}
			emitted++
			telemetry.ReconciledJobs.Inc()
			continue
		}
		msg, ok := s.implied(ctx, job)
		if !ok {
			continue
		}
		if err := s.mover.Emit(ctx, msg); err != nil {
			s.logger.Warn("reconcile emit failed", "job_id", job.ID, "topic", msg.Topic(), "error", err)
			continue
		}
		if err := s.store.AppendAudit(ctx, job.ID, "reconciled", msg.Topic()); err != nil {
			s.logger.Warn("reconcile audit not recorded", "job_id", job.ID, "error", err)
		}
		emitted++
		telemetry.ReconciledJobs.Inc()
	}
	if emitted > 0 {
		s.logger.Info("reconciled stale jobs", "count", emitted)
	}
	return emitted, nil
}

// implied is messages.Implied with the feedback of the stage's latest failed evaluation restored
// on regeneration requests, so a resumed attempt still sees why the last one was sent back.
func (s *Supervisor) implied(ctx context.Context, job models.Job) (messages.Message, bool) {
	msg, ok := messages.Implied(job)
	if !ok {
		return nil, false
	}
	req, isGen := msg.(messages.GenerationRequest)
	if !isGen || job.Retries(req.Stage) == 0 {
		return msg, true
	}
	evals, err := s.store.ListEvaluations(ctx, job.ID)
	if err != nil {
		s.logger.Warn("evaluation history unavailable", "job_id", job.ID, "error", err)
		return msg, true
	}
	for i := len(evals) - 1; i >= 0; i-- {
		if e := evals[i]; e.Stage == req.Stage && !e.Passed {
			return messages.Regenerate(job, req.Stage, e.Feedback, e.Score.Issues), true
		}
	}
	return msg, true
}

// RunReconciler reconciles every interval until ctx is cancelled.
func (s *Supervisor) RunReconciler(ctx context.Context, interval, staleAfter time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx, staleAfter); err != nil && ctx.Err() == nil {
				s.logger.Error("reconcile failed", "error", err)
			}
		}
	}
}

// RelayStatus handles podcast.job.status events and mirrors terminal ones. Mirror failures are
// logged and swallowed so the event is still acked.
func (s *Supervisor) RelayStatus(ctx context.Context, msg messages.Message) error {
	ev, ok := msg.(messages.StatusEvent)
	if !ok {
		return fmt.Errorf("unexpected message %T on %s", msg, messages.TopicJobStatus)
	}
	if !ev.Status.Terminal() {
		return nil
	}
	run := RunEvent{JobID: ev.JobID, Event: EventFailed, Status: ev.Status, ErrorMessage: ev.ErrorMessage, At: ev.At}
	if ev.Status == models.StatusCompleted {
		run.Event = EventCompleted
		if job, err := s.store.GetJob(ctx, ev.JobID); err == nil {
			run.RSSFeedURL = job.RSSFeedURL
		}
	}
	if err := s.mirror.Notify(ctx, run); err != nil {
		s.logger.Warn("scheduler mirror failed", "job_id", ev.JobID, "event", run.Event, "error", err)
	}
	return nil
}

func (s *Supervisor) mirrorAsync(ev RunEvent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.mirrorTimeout)
		defer cancel()
		if err := s.mirror.Notify(ctx, ev); err != nil {
			s.logger.Warn("scheduler mirror failed", "job_id", ev.JobID, "event", ev.Event, "error", err)
		}
	}()
}

// Wait blocks until in-flight mirror notifications finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
