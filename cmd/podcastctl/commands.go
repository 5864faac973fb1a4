package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/queue"
)

type jobStatus struct {
	JobID        string          `json:"job_id"`
	Status       models.Status   `json:"status"`
	Outline      *models.Outline `json:"outline,omitempty"`
	Script       string          `json:"script,omitempty"`
	AudioURL     string          `json:"audio_url,omitempty"`
	RSSFeedURL   string          `json:"rss_feed_url,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	PendingStage models.Stage    `json:"pending_approval,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func newCreateCommand(ctx *commandContext) *cobra.Command {
	var (
		brief models.Brief
		tone  string
		email string
	)
	cmd := &cobra.Command{
		Use:   "create --topic TOPIC",
		Short: "Start a new podcast job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			brief.Tone = models.Tone(strings.ToLower(tone))
			if err := brief.Validate(); err != nil {
				return err
			}
			body := struct {
				models.Brief
				UserEmail string `json:"user_email,omitempty"`
			}{Brief: brief, UserEmail: email}

			var out struct {
				JobID  string        `json:"job_id"`
				Status models.Status `json:"status"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodPost, "/jobs", body, &out)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeRaw(cmd, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created job %s (%s)\n", out.JobID, out.Status)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&brief.Topic, "topic", "", "Episode topic")
	f.StringVar(&tone, "tone", string(models.ToneEducational), "professional, casual, educational, entertaining or inspirational")
	f.IntVar(&brief.LengthMinutes, "length", 10, "Target length in minutes (5-60)")
	f.StringVar(&brief.TargetAudience, "audience", "", "Target audience")
	f.StringSliceVar(&brief.KeyPoints, "key-point", nil, "Point the episode must cover (repeatable)")
	f.StringSliceVar(&brief.AvoidTopics, "avoid", nil, "Topic to stay away from (repeatable)")
	f.StringVar(&brief.VoicePreference, "voice", "", "Voice preference, e.g. casual_male")
	f.StringVar(&brief.AdditionalContext, "context", "", "Additional context for the writers")
	f.StringVar(&email, "email", "", "Reviewer email for approval requests")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job jobStatus
			raw, err := ctx.client().do(cmd.Context(), http.MethodGet, "/jobs/"+url.PathEscape(args[0]), nil, &job)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeRaw(cmd, raw)
			}
			rows := [][]string{
				{"Job", job.JobID},
				{"Status", string(job.Status)},
				{"Created", job.CreatedAt.Local().Format(time.DateTime)},
				{"Updated", job.UpdatedAt.Local().Format(time.DateTime)},
			}
			if job.Outline != nil {
				rows = append(rows, []string{"Outline", job.Outline.Title})
			}
			if job.PendingStage != "" {
				rows = append(rows, []string{"Awaiting", string(job.PendingStage) + " approval"})
			}
			if job.AudioURL != "" {
				rows = append(rows, []string{"Audio", job.AudioURL})
			}
			if job.RSSFeedURL != "" {
				rows = append(rows, []string{"Feed", job.RSSFeedURL})
			}
			if job.ErrorMessage != "" {
				rows = append(rows, []string{"Error", job.ErrorMessage})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(), []string{"Field", "Value"}, rows))
			return nil
		},
	}
}

func newDecideCommand(ctx *commandContext) *cobra.Command {
	var action, feedback string
	cmd := &cobra.Command{
		Use:   "decide TOKEN",
		Short: "Approve or reject a pending stage with a decision token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"token": args[0], "action": action, "feedback": feedback}
			var out struct {
				JobID  string        `json:"job_id"`
				Stage  models.Stage  `json:"stage"`
				Action string        `json:"action"`
				Status models.Status `json:"status"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodPost, "/approvals/decide", body, &out)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeRaw(cmd, raw)
			}
			verb := "approved"
			if out.Action == "reject" {
				verb = "rejected"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s %s, now %s\n", out.JobID, out.Stage, verb, out.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "approve", "approve or reject")
	cmd.Flags().StringVar(&feedback, "feedback", "", "Feedback passed to the regeneration on reject")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Stop a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				JobID  string        `json:"job_id"`
				Status models.Status `json:"status"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/cancel", nil, &out)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeRaw(cmd, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s (%s)\n", out.JobID, out.Status)
			return nil
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Start a new job from the brief of a failed one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				JobID   string        `json:"job_id"`
				Status  models.Status `json:"status"`
				RetryOf string        `json:"retry_of"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodPost, "/jobs/"+url.PathEscape(args[0])+"/retry", nil, &out)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeRaw(cmd, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retried job %s as %s (%s)\n", out.RetryOf, out.JobID, out.Status)
			return nil
		},
	}
}

func newDLQCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered messages",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Items []queue.DeadLetter `json:"items"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodGet, "/dlq?limit="+strconv.Itoa(limit), nil, &out)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeRaw(cmd, raw)
			}
			if len(out.Items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(out.Items))
			for _, it := range out.Items {
				rows = append(rows, []string{it.ID, it.OriginalTopic, it.JobID, it.Component, truncate(it.Error, 60)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(), []string{"ID", "Topic", "Job", "Component", "Error"}, rows))
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Number of entries to show")

	replay := &cobra.Command{
		Use:   "replay ID",
		Short: "Republish a dead letter to its original topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Replayed queue.DeadLetter `json:"replayed"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodPost, "/dlq/"+url.PathEscape(args[0])+"/replay", nil, &out)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeRaw(cmd, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %s to %s\n", out.Replayed.ID, out.Replayed.OriginalTopic)
			return nil
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail jobs whose approval deadline passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				TimedOut int `json:"timed_out"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodPost, "/admin/sweep", nil, &out)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeRaw(cmd, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Timed out %d jobs\n", out.TimedOut)
			return nil
		},
	}
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-emit the next message for stalled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/reconcile"
			if cmd.Flags().Changed("stale-after") {
				path += "?stale_after=" + url.QueryEscape(staleAfter.String())
			}
			var out struct {
				Emitted int `json:"emitted"`
			}
			raw, err := ctx.client().do(cmd.Context(), http.MethodPost, path, nil, &out)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeRaw(cmd, raw)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-emitted %d messages\n", out.Emitted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 15*time.Minute, "Only touch jobs idle for at least this long")
	return cmd
}

func writeRaw(cmd *cobra.Command, raw []byte) error {
	_, err := cmd.OutOrStdout().Write(raw)
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
