package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"podcast-pipeline/internal/evaluation"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/telemetry"
	"podcast-pipeline/internal/transition"
)

// evaluate scores a fresh artifact. A pass goes on to guardrails (when enabled for the stage) or
// approval; a miss sends the stage back to generation until the retry ceiling.
func (p *Pipeline) evaluate(ctx context.Context, req messages.EvaluationRequest) error {
	stage := req.Stage
	job, ok, err := p.load(ctx, req.JobID, models.EvaluationStatus(stage))
	if !ok || err != nil {
		return err
	}
	ev, err := p.Evaluators.For(stage)
	if err != nil {
		return err
	}
	score, err := ev.Evaluate(ctx, req.Brief, req.Artifact)
	if err != nil {
		return err
	}
	sp := p.Policy.Stage(string(stage))
	passed := score.OverallScore >= sp.Threshold
	telemetry.Evaluations.WithLabelValues(string(stage), strconv.FormatBool(passed)).Inc()

	err = p.store.SaveEvaluation(ctx, models.EvaluationResult{
		JobID:    job.ID,
		Stage:    stage,
		Score:    score,
		Passed:   passed,
		Feedback: score.Feedback,
	})
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	p.logger.Info("artifact evaluated", "job_id", job.ID, "stage", stage, "score", score.OverallScore,
		"threshold", sp.Threshold, "passed", passed)

	if passed {
		if sp.Guardrails && stage != models.StageAudio {
			return p.Mover.Emit(ctx, messages.Review(job, stage, messages.PhaseGuardrails, &score))
		}
		return p.toApproval(ctx, job.ID, stage, models.EvaluationStatus(stage), &score, "")
	}

	regenerated := false
	updated, ok, err := p.move(ctx, job.ID, models.EvaluationStatus(stage), func(j *models.Job) {
		regenerated = transition.Regenerate(j, stage, sp.MaxRetries)
	})
	if !ok || err != nil || !regenerated {
		return err
	}
	return p.Mover.Emit(ctx, messages.Regenerate(updated, stage, score.Feedback, score.Issues))
}

// screen runs the guardrail checks. Any failing check fails the job.
func (p *Pipeline) screen(ctx context.Context, req messages.ReviewRequest) error {
	stage := req.Stage
	from := models.EvaluationStatus(stage)
	job, ok, err := p.load(ctx, req.JobID, from)
	if !ok || err != nil {
		return err
	}
	res := p.Guardrails.Run(ctx, screenedText(stage, req.Artifact))
	for _, v := range res.Verdicts {
		details, err := json.Marshal(map[string]any{
			"score":   v.Score,
			"message": v.Message,
			"details": v.Details,
		})
		if err != nil {
			return fmt.Errorf("marshal guardrail details: %w", err)
		}
		err = p.store.SaveGuardrail(ctx, models.GuardrailResult{
			JobID:         job.ID,
			Stage:         stage,
			GuardrailType: v.Type,
			Passed:        v.Passed,
			Details:       details,
		})
		if err != nil {
			return fmt.Errorf("save guardrail: %w", err)
		}
	}
	if res.Passed() {
		return p.toApproval(ctx, job.ID, stage, from, req.Evaluation, req.Reviewer)
	}

	telemetry.GuardrailFailures.WithLabelValues(string(stage)).Inc()
	p.logger.Warn("guardrails failed", "job_id", job.ID, "stage", stage, "summary", res.Summary())
	_, _, err = p.move(ctx, job.ID, from, func(j *models.Job) {
		j.Fail("guardrails failed: " + res.Summary())
	})
	return err
}

func (p *Pipeline) approve(ctx context.Context, req messages.ReviewRequest) error {
	return p.Gate.Handle(ctx, req)
}

func (p *Pipeline) toApproval(ctx context.Context, id string, stage models.Stage, from models.Status, score *models.Score, reviewer string) error {
	job, ok, err := p.move(ctx, id, from, func(j *models.Job) {
		j.Status = models.ApprovalStatus(stage)
	})
	if !ok || err != nil {
		return err
	}
	next := messages.Review(job, stage, messages.PhaseApproval, score)
	next.Reviewer = reviewer
	return p.Mover.Emit(ctx, next)
}

func screenedText(stage models.Stage, a messages.Artifact) string {
	if stage == models.StageOutline && a.Outline != nil {
		return evaluation.FormatOutline(*a.Outline)
	}
	return a.Script
}
