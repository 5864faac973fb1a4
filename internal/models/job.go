package models

import (
	"encoding/json"
	"time"
)

// Approval tracks the human/auto approval checkpoint of one stage.
type Approval struct {
	Approved    bool       `json:"approved"`
	Requested   bool       `json:"requested"`
	RequestedAt *time.Time `json:"requested_at,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// Pending reports whether the approval was requested and not decided yet.
func (a Approval) Pending() bool {
	return a.Requested && a.DecidedAt == nil
}

// StatusUpdate is the status patch replayed when a pending approval is granted.
type StatusUpdate struct {
	Status       Status `json:"status"`
	ApproveStage Stage  `json:"approve_stage"`
}

// Continuation is the precomputed next step stored while a job waits for a human decision.
type Continuation struct {
	NextTopic    string          `json:"next_topic"`
	NextMessage  json.RawMessage `json:"next_message"`
	StatusUpdate StatusUpdate    `json:"status_update"`
}

// Job is the durable pipeline record persisted by the store.
type Job struct {
	ID              string        `json:"job_id"`
	Brief           Brief         `json:"brief"`
	UserEmail       string        `json:"user_email,omitempty"`
	Status          Status        `json:"status"`
	Outline         *Outline      `json:"outline,omitempty"`
	Script          string        `json:"script,omitempty"`
	AudioURL        string        `json:"audio_url,omitempty"`
	RSSFeedURL      string        `json:"rss_feed_url,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	RetryCount      int           `json:"retry_count"`
	StageRetries    map[Stage]int `json:"stage_retries,omitempty"`
	Approvals       JobApprovals  `json:"approvals"`
	ApprovalStage   Stage         `json:"approval_stage,omitempty"`
	ApprovalTimeout *time.Time    `json:"approval_timeout,omitempty"`
	Continuation    *Continuation `json:"continuation,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// JobApprovals holds the three independent approval records.
type JobApprovals struct {
	Outline Approval `json:"outline"`
	Script  Approval `json:"script"`
	Audio   Approval `json:"audio"`
}

// For returns a pointer to the approval record of stage, or nil for stages without approval.
func (a *JobApprovals) For(stage Stage) *Approval {
	switch stage {
	case StageOutline:
		return &a.Outline
	case StageScript:
		return &a.Script
	case StageAudio:
		return &a.Audio
	}
	return nil
}

// PendingStages lists stages whose approval is requested but undecided.
func (j *Job) PendingStages() []Stage {
	var out []Stage
	for _, st := range ApprovalStages {
		if j.Approvals.For(st).Pending() {
			out = append(out, st)
		}
	}
	return out
}

// AwaitingDecision reports whether the job is parked on a human approval.
func (j *Job) AwaitingDecision() bool {
	if j.ApprovalStage == "" {
		return false
	}
	a := j.Approvals.For(j.ApprovalStage)
	return a != nil && a.Pending()
}

// Retries returns the regeneration count for a stage.
func (j *Job) Retries(stage Stage) int {
	if j.StageRetries == nil {
		return 0
	}
	return j.StageRetries[stage]
}

// IncrementRetry bumps both the global and per-stage regeneration counters.
func (j *Job) IncrementRetry(stage Stage) int {
	if j.StageRetries == nil {
		j.StageRetries = make(map[Stage]int)
	}
	j.RetryCount++
	j.StageRetries[stage]++
	return j.StageRetries[stage]
}

// Fail moves the job into FAILED with a message. It clears any pending approval.
func (j *Job) Fail(msg string) {
	j.Status = StatusFailed
	j.ErrorMessage = msg
	j.clearPending()
}

// clearPending closes an outstanding approval request so the single-pending invariant holds after terminal moves.
func (j *Job) clearPending() {
	if j.ApprovalStage == "" {
		return
	}
	if a := j.Approvals.For(j.ApprovalStage); a != nil && a.Pending() {
		now := time.Now().UTC()
		a.DecidedAt = &now
	}
	j.ApprovalStage = ""
	j.ApprovalTimeout = nil
	j.Continuation = nil
}

// ResolvePending marks the pending approval of stage decided, optionally approved.
func (j *Job) ResolvePending(stage Stage, approved bool, at time.Time) {
	if a := j.Approvals.For(stage); a != nil {
		a.Approved = approved
		a.DecidedAt = &at
	}
	j.ApprovalStage = ""
	j.ApprovalTimeout = nil
	j.Continuation = nil
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
