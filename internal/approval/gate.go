package approval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/notify"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
	"podcast-pipeline/internal/transition"
)

var (
	errNoReviewer = errors.New("no reviewer address")
	errWithdraw   = errors.New("withdraw undelivered approval request")
)

// Gate handles messages on the approval topics.
type Gate struct {
	mover        *transition.Mover
	notifier     notify.Notifier
	tokens       *Tokens
	policy       config.Policy
	baseURL      string
	defaultEmail string
	timeout      time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewGate(mover *transition.Mover, notifier notify.Notifier, tokens *Tokens, cfg config.Config) *Gate {
	timeout := cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = 168 * time.Hour
	}
	return &Gate{
		mover:        mover,
		notifier:     notifier,
		tokens:       tokens,
		policy:       cfg.Policy,
		baseURL:      cfg.ApprovalBaseURL,
		defaultEmail: cfg.DefaultApprovalEmail,
		timeout:      timeout,
		logger:       mover.Logger(),
		now:          time.Now,
	}
}

// Handle applies the stage's approval policy. Human review that cannot be requested falls back to auto.
// The pending request is persisted before the reviewer is notified and withdrawn if the send fails.
func (g *Gate) Handle(ctx context.Context, req messages.ReviewRequest) error {
	job, err := g.mover.Store().GetJob(ctx, req.JobID)
	if err != nil {
		return err
	}
	if !awaitingGate(job, req.Stage) {
		g.logger.Debug("stale approval delivery", "job_id", job.ID, "stage", req.Stage, "status", job.Status)
		return nil
	}
	if g.policy.Stage(string(req.Stage)).Approval != config.ApprovalHuman {
		return g.autoApprove(ctx, job.ID, req.Stage)
	}
	err = g.requestHuman(ctx, job, req)
	if errors.Is(err, store.ErrSkip) {
		return nil
	}
	if errors.Is(err, errWithdraw) {
		return err
	}
	if err != nil {
		g.logger.Warn("human approval unavailable, auto-approving", "job_id", job.ID, "stage", req.Stage, "error", err)
		return g.autoApprove(ctx, job.ID, req.Stage)
	}
	return nil
}

// awaitingGate reports whether the job sits at stage's approval state with no decision outstanding.
func awaitingGate(j models.Job, stage models.Stage) bool {
	return j.Status == models.ApprovalStatus(stage) && !j.AwaitingDecision()
}

func (g *Gate) autoApprove(ctx context.Context, id string, stage models.Stage) error {
	next := models.NextStage(stage)
	updated, err := g.mover.Apply(ctx, id, func(j *models.Job) error {
		if !awaitingGate(*j, stage) {
			return store.ErrSkip
		}
		now := g.now().UTC()
		a := j.Approvals.For(stage)
		a.Approved = true
		a.DecidedAt = &now
		j.Status = models.GenerationStatus(next)
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	telemetry.ApprovalDecisions.WithLabelValues(string(stage), "auto").Inc()
	return g.mover.Emit(ctx, messages.Generate(updated, next))
}

func (g *Gate) requestHuman(ctx context.Context, job models.Job, req messages.ReviewRequest) error {
	stage := req.Stage
	to := firstNonEmpty(req.Reviewer, job.UserEmail, g.defaultEmail)
	if to == "" {
		return errNoReviewer
	}
	approveTok, err := g.tokens.Issue(job.ID, stage, ActionApprove)
	if err != nil {
		return err
	}
	rejectTok, err := g.tokens.Issue(job.ID, stage, ActionReject)
	if err != nil {
		return err
	}

	now := g.now().UTC().Truncate(time.Microsecond)
	deadline := now.Add(g.timeout)
	body, err := renderRequest(requestView{
		JobID:      job.ID,
		Topic:      job.Brief.Topic,
		Stage:      string(stage),
		Evaluation: req.Evaluation,
		Artifact:   preview(job, stage),
		ApproveURL: g.decisionURL(approveTok, ActionApprove),
		RejectURL:  g.decisionURL(rejectTok, ActionReject),
		Deadline:   deadline.Format(time.RFC1123),
	})
	if err != nil {
		return err
	}

	next := models.NextStage(stage)
	nextMsg := messages.Generate(job, next)
	payload, err := messages.Encode(nextMsg)
	if err != nil {
		return err
	}

	_, err = g.mover.Apply(ctx, job.ID, func(j *models.Job) error {
		if !awaitingGate(*j, stage) {
			return store.ErrSkip
		}
		a := j.Approvals.For(stage)
		a.Requested = true
		a.Approved = false
		a.RequestedAt = &now
		a.DecidedAt = nil
		j.ApprovalStage = stage
		j.ApprovalTimeout = &deadline
		j.Continuation = &models.Continuation{
			NextTopic:   nextMsg.Topic(),
			NextMessage: payload,
			StatusUpdate: models.StatusUpdate{
				Status:       models.GenerationStatus(next),
				ApproveStage: stage,
			},
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = g.notifier.Notify(ctx, notify.Notification{
		To:      to,
		Subject: fmt.Sprintf("Approval needed: %s for %q", stage, job.Brief.Topic),
		HTML:    body,
	})
	if err != nil {
		if werr := g.withdraw(ctx, job.ID, stage, now); werr != nil {
			return fmt.Errorf("%w: %v (notify %s: %v)", errWithdraw, werr, to, err)
		}
		return fmt.Errorf("notify %s: %w", to, err)
	}
	g.logger.Info("approval requested", "job_id", job.ID, "stage", stage, "reviewer", to, "deadline", deadline)
	return nil
}

// withdraw clears a pending request recorded at requestedAt whose notification was never delivered.
// Tokens minted for it stop working because the stage is no longer pending.
func (g *Gate) withdraw(ctx context.Context, id string, stage models.Stage, requestedAt time.Time) error {
	_, err := g.mover.Apply(context.WithoutCancel(ctx), id, func(j *models.Job) error {
		a := j.Approvals.For(stage)
		if j.Status != models.ApprovalStatus(stage) || !a.Pending() || a.RequestedAt == nil || !a.RequestedAt.Equal(requestedAt) {
			return store.ErrSkip
		}
		a.Requested = false
		a.RequestedAt = nil
		j.ApprovalStage = ""
		j.ApprovalTimeout = nil
		j.Continuation = nil
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return nil
	}
	return err
}

func (g *Gate) decisionURL(token string, action Action) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("action", string(action))
	sep := "?"
	if strings.Contains(g.baseURL, "?") {
		sep = "&"
	}
	return g.baseURL + sep + q.Encode()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type requestView struct {
	JobID      string
	Topic      string
	Stage      string
	Evaluation *models.Score
	Artifact   string
	ApproveURL string
	RejectURL  string
	Deadline   string
}

var requestTemplate = template.Must(template.New("request").Parse(`<html><body>
<h2>{{.Stage}} ready for review</h2>
<p><strong>Topic:</strong> {{.Topic}}<br><strong>Job:</strong> {{.JobID}}</p>
{{with .Evaluation}}<p><strong>Evaluation score:</strong> {{printf "%.2f" .OverallScore}}</p>
{{if .Feedback}}<p>{{.Feedback}}</p>{{end}}{{end}}
<pre style="white-space: pre-wrap">{{.Artifact}}</pre>
<p>
<a href="{{.ApproveURL}}">Approve</a> |
<a href="{{.RejectURL}}">Reject</a>
</p>
<p>Decide before {{.Deadline}} or the job will fail.</p>
</body></html>`))

func renderRequest(v requestView) (string, error) {
	var buf bytes.Buffer
	if err := requestTemplate.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("render approval request: %w", err)
	}
	return buf.String(), nil
}

const previewLimit = 4000

func preview(job models.Job, stage models.Stage) string {
	var text string
	switch stage {
	case models.StageOutline:
		if job.Outline != nil {
			var b strings.Builder
			fmt.Fprintf(&b, "%s\n\n%s\n", job.Outline.Title, job.Outline.Introduction)
			for i, s := range job.Outline.Sections {
				fmt.Fprintf(&b, "\n%d. %s\n%s\n", i+1, s.Title, s.Content)
			}
			fmt.Fprintf(&b, "\n%s", job.Outline.Conclusion)
			text = b.String()
		}
	case models.StageScript:
		text = job.Script
	case models.StageAudio:
		text = job.AudioURL
	}
	if r := []rune(text); len(r) > previewLimit {
		text = string(r[:previewLimit]) + "..."
	}
	return text
}
