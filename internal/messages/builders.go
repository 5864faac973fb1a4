package messages

import (
	"podcast-pipeline/internal/models"
)

// ArtifactOf returns the artifact a job holds for stage.
func ArtifactOf(job models.Job, stage models.Stage) Artifact {
	switch stage {
	case models.StageOutline:
		return Artifact{Outline: job.Outline}
	case models.StageScript:
		return Artifact{Script: job.Script}
	case models.StageAudio:
		return Artifact{AudioURL: job.AudioURL, Script: job.Script}
	}
	return Artifact{}
}

// inputFor returns the upstream artifact a generation stage consumes.
func inputFor(job models.Job, stage models.Stage) Artifact {
	switch stage {
	case models.StageScript:
		return Artifact{Outline: job.Outline}
	case models.StageAudio:
		return Artifact{Script: job.Script}
	case models.StagePublish:
		return Artifact{AudioURL: job.AudioURL, Script: job.Script, Outline: job.Outline}
	}
	return Artifact{}
}

// Generate builds the first generation request for stage from the job's persisted artifacts.
func Generate(job models.Job, stage models.Stage) GenerationRequest {
	return GenerationRequest{
		JobID:   job.ID,
		Stage:   stage,
		Brief:   job.Brief,
		Input:   inputFor(job, stage),
		Attempt: job.Retries(stage),
	}
}

// Regenerate builds a request sending stage back to generation with reviewer feedback.
func Regenerate(job models.Job, stage models.Stage, feedback string, issues []string) GenerationRequest {
	req := Generate(job, stage)
	req.Feedback = feedback
	req.Issues = issues
	return req
}

// Evaluate builds the evaluation request for a freshly generated artifact.
func Evaluate(job models.Job, stage models.Stage) EvaluationRequest {
	return EvaluationRequest{
		JobID:    job.ID,
		Stage:    stage,
		Brief:    job.Brief,
		Artifact: ArtifactOf(job, stage),
	}
}

// Review builds a guardrail or approval request carrying the evaluation verdict.
func Review(job models.Job, stage models.Stage, phase Phase, score *models.Score) ReviewRequest {
	return ReviewRequest{
		JobID:      job.ID,
		Stage:      stage,
		Phase:      phase,
		Brief:      job.Brief,
		Artifact:   ArtifactOf(job, stage),
		Evaluation: score,
	}
}

// Implied returns the message a job's persisted status implies should be in flight.
// Jobs that are terminal, pending or parked on a human decision imply nothing.
func Implied(job models.Job) (Message, bool) {
	if job.Status.Terminal() || job.Status == models.StatusPending || job.AwaitingDecision() {
		return nil, false
	}
	stage := models.StageOf(job.Status)
	switch job.Status {
	case models.StatusOutlineGeneration, models.StatusScriptGeneration, models.StatusTTSGeneration, models.StatusPublishing:
		return Generate(job, stage), true
	case models.StatusOutlineEvaluation, models.StatusScriptEvaluation, models.StatusTTSEvaluation:
		return Evaluate(job, stage), true
	case models.StatusOutlineApproval, models.StatusScriptApproval, models.StatusAudioApproval:
		return Review(job, stage, PhaseApproval, nil), true
	}
	return nil, false
}
