// Package transition persists job status changes and announces them on the bus.
package transition

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
)

// Bus publishes topic messages.
type Bus interface {
	Publish(ctx context.Context, msg messages.Message) error
}

// Mover applies persist-then-emit transitions.
type Mover struct {
	store  store.Store
	bus    Bus
	logger *slog.Logger
}

func New(st store.Store, bus Bus, logger *slog.Logger) *Mover {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Mover{store: st, bus: bus, logger: logger}
}

func (m *Mover) Store() store.Store {
	return m.store
}

func (m *Mover) Logger() *slog.Logger {
	return m.logger
}

// Apply persists mutate under the row lock. When the status changed a status event is published;
// that publish is best effort and never fails the transition.
func (m *Mover) Apply(ctx context.Context, id string, mutate func(*models.Job) error) (models.Job, error) {
	var prev models.Status
	job, err := m.store.UpdateJob(ctx, id, func(j *models.Job) error {
		prev = j.Status
		return mutate(j)
	})
	if err != nil {
		return job, err
	}
	if job.Status != prev {
		telemetry.StatusTransitions.WithLabelValues(string(job.Status)).Inc()
		m.logger.Info("job transitioned", "job_id", id, "from", prev, "to", job.Status)
		ev := messages.StatusEvent{
			JobID:        job.ID,
			Status:       job.Status,
			Previous:     prev,
			ErrorMessage: job.ErrorMessage,
			At:           time.Now().UTC(),
		}
		if err := m.bus.Publish(ctx, ev); err != nil {
			m.logger.Warn("status event not published", "job_id", id, "status", job.Status, "error", err)
		}
	}
	return job, nil
}

// Emit publishes the next-stage message after a transition was persisted.
func (m *Mover) Emit(ctx context.Context, msg messages.Message) error {
	if err := m.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("emit %s for %s: %w", msg.Topic(), msg.Key(), err)
	}
	return nil
}

// Regenerate sends stage back to its generation state and bumps the retry counters. Once the stage
// already used maxRetries regenerations the job is failed instead and false is returned.
func Regenerate(j *models.Job, stage models.Stage, maxRetries int) bool {
	if j.Retries(stage) >= maxRetries {
		j.Fail(fmt.Sprintf("%s exceeded max regeneration attempts (%d)", stage, maxRetries))
		telemetry.RetryCeilingFailed.WithLabelValues(string(stage)).Inc()
		return false
	}
	j.IncrementRetry(stage)
	j.Status = models.GenerationStatus(stage)
	return true
}
