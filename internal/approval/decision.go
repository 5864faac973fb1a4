package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/telemetry"
	"podcast-pipeline/internal/transition"
)

// Decision is the outcome of a redeemed token.
type Decision struct {
	JobID  string        `json:"job_id"`
	Stage  models.Stage  `json:"stage"`
	Action Action        `json:"action"`
	Status models.Status `json:"status"`
}

// Decider redeems decision tokens.
type Decider struct {
	mover  *transition.Mover
	tokens *Tokens
	policy config.Policy
	logger *slog.Logger
	now    func() time.Time
}

func NewDecider(mover *transition.Mover, tokens *Tokens, policy config.Policy) *Decider {
	return &Decider{mover: mover, tokens: tokens, policy: policy, logger: mover.Logger(), now: time.Now}
}

// Decide verifies token, checks that it was issued for action and applies the decision to the
// pending approval. Invalid or expired tokens never touch the job.
func (d *Decider) Decide(ctx context.Context, token, action, feedback string) (Decision, error) {
	act, err := ParseAction(action)
	if err != nil {
		return Decision{}, err
	}
	claims, err := d.tokens.Verify(token)
	if err != nil {
		return Decision{}, err
	}
	if claims.Action != act {
		return Decision{}, fmt.Errorf("%w: token issued for %s", ErrInvalidToken, claims.Action)
	}
	stage := claims.Stage
	maxRetries := d.policy.Stage(string(stage)).MaxRetries

	var (
		cont        *models.Continuation
		regenerated bool
	)
	updated, err := d.mover.Apply(ctx, claims.JobID, func(j *models.Job) error {
		if j.Status != models.ApprovalStatus(stage) || j.ApprovalStage != stage || !j.Approvals.For(stage).Pending() {
			return fmt.Errorf("%w: job %s is %s", ErrNotPending, j.ID, j.Status)
		}
		now := d.now().UTC()
		if j.ApprovalTimeout != nil && now.After(*j.ApprovalTimeout) {
			return fmt.Errorf("%w: deadline %s passed", ErrExpired, j.ApprovalTimeout.Format(time.RFC3339))
		}
		switch act {
		case ActionApprove:
			cont = j.Continuation
			j.ResolvePending(stage, true, now)
			if cont != nil && cont.StatusUpdate.Status != "" {
				j.Status = cont.StatusUpdate.Status
			} else {
				j.Status = models.GenerationStatus(models.NextStage(stage))
			}
		case ActionReject:
			j.ResolvePending(stage, false, now)
			regenerated = transition.Regenerate(j, stage, maxRetries)
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	telemetry.ApprovalDecisions.WithLabelValues(string(stage), string(act)).Inc()
	d.logger.Info("approval decided", "job_id", updated.ID, "stage", stage, "action", act, "status", updated.Status)

	out := Decision{JobID: updated.ID, Stage: stage, Action: act, Status: updated.Status}
	var next messages.Message
	switch {
	case act == ActionApprove:
		next = d.continuation(updated, stage, cont)
	case regenerated:
		if feedback == "" {
			feedback = "Rejected by reviewer"
		}
		next = messages.Regenerate(updated, stage, feedback, nil)
	}
	if next != nil {
		if err := d.mover.Emit(ctx, next); err != nil {
			// The decision is persisted; the reconciler re-emits from the stored status.
			d.logger.Warn("decision follow-up not emitted", "job_id", updated.ID, "error", err)
		}
	}
	return out, nil
}

func (d *Decider) continuation(job models.Job, stage models.Stage, cont *models.Continuation) messages.Message {
	if cont != nil && cont.NextTopic != "" {
		msg, err := messages.Decode(cont.NextTopic, cont.NextMessage)
		if err == nil {
			return msg
		}
		d.logger.Warn("stored continuation unusable, rebuilding", "job_id", job.ID, "error", err)
	}
	return messages.Generate(job, models.NextStage(stage))
}
