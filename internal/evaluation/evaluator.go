// Package evaluation scores generated artifacts for the evaluation gate.
package evaluation

import (
	"context"
	"fmt"
	"strings"

	"podcast-pipeline/internal/llm"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/schemas"
)

// Evaluator scores one stage's artifact against the brief.
type Evaluator interface {
	Evaluate(ctx context.Context, brief models.Brief, artifact messages.Artifact) (models.Score, error)
}

// Set maps each evaluated stage to its evaluator.
type Set map[models.Stage]Evaluator

// NewSet wires the LLM-backed outline and script evaluators and the simulated audio evaluator.
func NewSet(client llm.Client, audioScore float64) Set {
	return Set{
		models.StageOutline: &OutlineEvaluator{llm: client},
		models.StageScript:  &ScriptEvaluator{llm: client},
		models.StageAudio:   AudioEvaluator{Score: audioScore},
	}
}

// For returns the evaluator for stage.
func (s Set) For(stage models.Stage) (Evaluator, error) {
	e, ok := s[stage]
	if !ok || e == nil {
		return nil, fmt.Errorf("no evaluator for stage %q", stage)
	}
	return e, nil
}

// OutlineEvaluator grades structure, relevance, completeness and flow.
type OutlineEvaluator struct {
	llm llm.Client
}

type outlineVerdict struct {
	Structure    float64  `json:"structure_score"`
	Relevance    float64  `json:"relevance_score"`
	Completeness float64  `json:"completeness_score"`
	Flow         float64  `json:"flow_score"`
	Overall      float64  `json:"overall_score"`
	Feedback     string   `json:"feedback"`
	Issues       []string `json:"issues"`
}

func (e *OutlineEvaluator) Evaluate(ctx context.Context, brief models.Brief, artifact messages.Artifact) (models.Score, error) {
	if artifact.Outline == nil {
		return models.Score{}, fmt.Errorf("evaluate outline: no outline")
	}
	schema, err := schemas.Raw(schemas.OutlineEvaluation)
	if err != nil {
		return models.Score{}, err
	}
	var b strings.Builder
	b.WriteString("You are an expert podcast content evaluator. Score the outline below from 0 to 1 on:\n")
	b.WriteString("structure (clear introduction, logical sections, strong conclusion), relevance to the brief, ")
	b.WriteString("completeness of key point coverage, and flow between sections. Be critical but constructive ")
	b.WriteString("and list concrete issues.\n\n")
	writeBrief(&b, brief)
	b.WriteString("\nOutline:\n")
	b.WriteString(FormatOutline(*artifact.Outline))
	b.WriteString("\nRespond with JSON matching this schema:\n")
	b.WriteString(schema)

	var v outlineVerdict
	if err := llm.GenerateInto(ctx, e.llm, b.String(), schemas.OutlineEvaluation, &v); err != nil {
		return models.Score{}, fmt.Errorf("evaluate outline: %w", err)
	}
	return models.Score{
		Metrics: map[string]float64{
			"structure":    v.Structure,
			"relevance":    v.Relevance,
			"completeness": v.Completeness,
			"flow":         v.Flow,
		},
		OverallScore: v.Overall,
		Feedback:     v.Feedback,
		Issues:       v.Issues,
	}, nil
}

// ScriptEvaluator grades fluency, accuracy, engagement, tone and pacing.
type ScriptEvaluator struct {
	llm llm.Client
}

type scriptVerdict struct {
	Fluency    float64  `json:"fluency_score"`
	Accuracy   float64  `json:"accuracy_score"`
	Engagement float64  `json:"engagement_score"`
	Tone       float64  `json:"tone_score"`
	Pacing     float64  `json:"pacing_score"`
	Overall    float64  `json:"overall_score"`
	Feedback   string   `json:"feedback"`
	Issues     []string `json:"issues"`
}

func (e *ScriptEvaluator) Evaluate(ctx context.Context, brief models.Brief, artifact messages.Artifact) (models.Score, error) {
	if strings.TrimSpace(artifact.Script) == "" {
		return models.Score{}, fmt.Errorf("evaluate script: empty script")
	}
	schema, err := schemas.Raw(schemas.ScriptEvaluation)
	if err != nil {
		return models.Score{}, err
	}
	var b strings.Builder
	b.WriteString("You are an expert podcast script editor. Score the script below from 0 to 1 on:\n")
	b.WriteString("fluency, factual accuracy, engagement, consistency with the requested tone, and pacing ")
	b.WriteString("for the target length. List concrete issues.\n\n")
	writeBrief(&b, brief)
	b.WriteString("\nScript:\n")
	b.WriteString(artifact.Script)
	b.WriteString("\n\nRespond with JSON matching this schema:\n")
	b.WriteString(schema)

	var v scriptVerdict
	if err := llm.GenerateInto(ctx, e.llm, b.String(), schemas.ScriptEvaluation, &v); err != nil {
		return models.Score{}, fmt.Errorf("evaluate script: %w", err)
	}
	return models.Score{
		Metrics: map[string]float64{
			"fluency":    v.Fluency,
			"accuracy":   v.Accuracy,
			"engagement": v.Engagement,
			"tone":       v.Tone,
			"pacing":     v.Pacing,
		},
		OverallScore: v.Overall,
		Feedback:     v.Feedback,
		Issues:       v.Issues,
	}, nil
}

// AudioEvaluator returns a fixed score; there is no audio quality model yet.
type AudioEvaluator struct {
	Score float64
}

func (e AudioEvaluator) Evaluate(_ context.Context, _ models.Brief, artifact messages.Artifact) (models.Score, error) {
	if artifact.AudioURL == "" {
		return models.Score{}, fmt.Errorf("evaluate audio: no audio url")
	}
	return models.Score{
		Metrics: map[string]float64{
			"clarity":     e.Score,
			"naturalness": e.Score,
			"pacing":      e.Score,
		},
		OverallScore: e.Score,
		Feedback:     "simulated audio quality score",
	}, nil
}

func writeBrief(b *strings.Builder, brief models.Brief) {
	audience := brief.TargetAudience
	if audience == "" {
		audience = "general"
	}
	fmt.Fprintf(b, "Brief:\nTopic: %s\nTone: %s\nTarget audience: %s\nLength: %d minutes\n",
		brief.Topic, brief.Tone, audience, brief.LengthMinutes)
	if len(brief.KeyPoints) > 0 {
		fmt.Fprintf(b, "Key points: %s\n", strings.Join(brief.KeyPoints, ", "))
	}
}

// FormatOutline renders an outline as plain text for prompts and notifications.
func FormatOutline(o models.Outline) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nIntroduction:\n%s\n\nSections:\n", o.Title, o.Introduction)
	for i, s := range o.Sections {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Title)
		if s.Content != "" {
			fmt.Fprintf(&b, "   %s\n", s.Content)
		}
		for _, kp := range s.KeyPoints {
			fmt.Fprintf(&b, "   - %s\n", kp)
		}
	}
	fmt.Fprintf(&b, "\nConclusion:\n%s\n\nEstimated duration: %d minutes\n", o.Conclusion, o.EstimatedDuration)
	return b.String()
}
