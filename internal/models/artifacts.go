package models

import (
	"encoding/json"
	"time"
)

// OutlineSection is one segment of the episode outline.
type OutlineSection struct {
	Title     string   `json:"title"`
	Content   string   `json:"content,omitempty"`
	KeyPoints []string `json:"key_points,omitempty"`
	Duration  int      `json:"duration,omitempty"`
}

// Outline is the structured artifact of the outline stage.
type Outline struct {
	Title             string           `json:"title"`
	Introduction      string           `json:"introduction"`
	Sections          []OutlineSection `json:"sections"`
	Conclusion        string           `json:"conclusion"`
	EstimatedDuration int              `json:"estimated_duration"`
}

// Score is an evaluator's structured verdict.
type Score struct {
	Metrics      map[string]float64 `json:"metrics"`
	OverallScore float64            `json:"overall_score"`
	Feedback     string             `json:"feedback"`
	Issues       []string           `json:"issues,omitempty"`
}

// EvaluationResult is an append-only row recording one evaluation attempt.
type EvaluationResult struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Stage     Stage     `json:"stage"`
	Score     Score     `json:"score"`
	Passed    bool      `json:"passed"`
	Feedback  string    `json:"feedback"`
	CreatedAt time.Time `json:"created_at"`
}

// GuardrailResult is an append-only row recording one guardrail check.
type GuardrailResult struct {
	ID            int64           `json:"id"`
	JobID         string          `json:"job_id"`
	Stage         Stage           `json:"stage"`
	GuardrailType string          `json:"guardrail_type"`
	Passed        bool            `json:"passed"`
	Details       json.RawMessage `json:"details"`
	CreatedAt     time.Time       `json:"created_at"`
}
