// Package pipeline holds the stage handlers: content generation for outline, script, audio and
// publish, plus the evaluation, guardrail and approval gates between them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"podcast-pipeline/internal/approval"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/evaluation"
	"podcast-pipeline/internal/feed"
	"podcast-pipeline/internal/guardrails"
	"podcast-pipeline/internal/llm"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/storage"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/synth"
	"podcast-pipeline/internal/transition"
)

// Deps are the collaborators the handlers need. A process only has to provide the ones used by
// the stages it serves.
type Deps struct {
	Mover      *transition.Mover
	LLM        llm.Client
	Evaluators evaluation.Set
	Guardrails *guardrails.Runner
	Gate       *approval.Gate
	Renderer   *synth.Renderer
	Uploader   storage.Uploader
	Publisher  *feed.Publisher
	Policy     config.Policy
	Voice      string
}

// Pipeline routes decoded messages to stage handlers.
type Pipeline struct {
	Deps
	store  store.Store
	logger *slog.Logger
}

// HandlerFunc processes one decoded message.
type HandlerFunc = func(ctx context.Context, msg messages.Message) error

func New(d Deps) *Pipeline {
	return &Pipeline{Deps: d, store: d.Mover.Store(), logger: d.Mover.Logger()}
}

// Routes maps every stage topic to its handler.
func (p *Pipeline) Routes() map[string]HandlerFunc {
	routes := map[string]HandlerFunc{
		messages.Topic(models.StageOutline, messages.PhaseGeneration): typed(p.generateOutline),
		messages.Topic(models.StageScript, messages.PhaseGeneration):  typed(p.generateScript),
		messages.Topic(models.StageAudio, messages.PhaseGeneration):   typed(p.generateAudio),
		messages.Topic(models.StagePublish, messages.PhaseGeneration): typed(p.publish),
	}
	for _, stage := range models.ApprovalStages {
		routes[messages.Topic(stage, messages.PhaseEvaluation)] = typed(p.evaluate)
		routes[messages.Topic(stage, messages.PhaseApproval)] = typed(p.approve)
		if stage != models.StageAudio {
			routes[messages.Topic(stage, messages.PhaseGuardrails)] = typed(p.screen)
		}
	}
	return routes
}

func typed[T messages.Message](fn func(context.Context, T) error) HandlerFunc {
	return func(ctx context.Context, msg messages.Message) error {
		m, ok := msg.(T)
		if !ok {
			return fmt.Errorf("%w: unexpected %T on %s", messages.ErrMalformed, msg, msg.Topic())
		}
		return fn(ctx, m)
	}
}

// load fetches the job and reports whether it is in the status the handler expects. Anything else
// is a duplicate or stale delivery.
func (p *Pipeline) load(ctx context.Context, id string, want models.Status) (models.Job, bool, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return job, false, err
	}
	if job.Status != want {
		p.logger.Debug("stale delivery ignored", "job_id", id, "status", job.Status, "expected", want)
		return job, false, nil
	}
	return job, true, nil
}

// move applies mutate only while the job is still in status from. It reports false when another
// delivery got there first.
func (p *Pipeline) move(ctx context.Context, id string, from models.Status, mutate func(*models.Job)) (models.Job, bool, error) {
	job, err := p.Mover.Apply(ctx, id, func(j *models.Job) error {
		if j.Status != from {
			return store.ErrSkip
		}
		mutate(j)
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}
	return job, true, nil
}
