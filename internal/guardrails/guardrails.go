// Package guardrails screens generated text for toxicity and bias before it reaches approval.
package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"podcast-pipeline/internal/llm"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/schemas"
)

const (
	TypeToxicity = "toxicity"
	TypeBias     = "bias"

	maxCheckRunes = 8000
)

// Verdict is the outcome of one check.
type Verdict struct {
	Type    string          `json:"type"`
	Passed  bool            `json:"passed"`
	Score   float64         `json:"score"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Check screens text and returns a verdict.
type Check interface {
	Name() string
	Check(ctx context.Context, text string) (Verdict, error)
}

// Result aggregates all verdicts of one run.
type Result struct {
	Verdicts []Verdict
}

// Passed is true only when every check passed.
func (r Result) Passed() bool {
	for _, v := range r.Verdicts {
		if !v.Passed {
			return false
		}
	}
	return true
}

// Summary renders "toxicity=<msg>; bias=<msg>".
func (r Result) Summary() string {
	parts := make([]string, 0, len(r.Verdicts))
	for _, v := range r.Verdicts {
		parts = append(parts, fmt.Sprintf("%s=%s", v.Type, v.Message))
	}
	return strings.Join(parts, "; ")
}

// Runner runs checks in order.
type Runner struct {
	checks []Check
	logger *slog.Logger
}

// NewRunner builds a runner. The default set is toxicity then bias.
func NewRunner(logger *slog.Logger, checks ...Check) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{checks: checks, logger: logger}
}

// Default returns the toxicity and bias checks backed by client.
func Default(client llm.Client, logger *slog.Logger) *Runner {
	return NewRunner(logger, Toxicity(client), Bias(client))
}

// Run executes every check. A check that errors fails open: its verdict passes and records the error.
func (r *Runner) Run(ctx context.Context, text string) Result {
	res := Result{Verdicts: make([]Verdict, 0, len(r.checks))}
	for _, c := range r.checks {
		v, err := c.Check(ctx, text)
		if err != nil {
			r.logger.Warn("guardrail check failed, skipping", "check", c.Name(), "error", err)
			details, _ := json.Marshal(map[string]string{"error": err.Error()})
			v = Verdict{
				Type:    c.Name(),
				Passed:  true,
				Message: c.Name() + " check skipped due to error",
				Details: details,
			}
		}
		res.Verdicts = append(res.Verdicts, v)
	}
	return res
}

// LLMCheck classifies text with a JSON-returning prompt.
type LLMCheck struct {
	name         string
	instructions string
	threshold    float64
	client       llm.Client
}

type classifierVerdict struct {
	Score       float64  `json:"score"`
	Flagged     bool     `json:"flagged"`
	Instances   []string `json:"instances,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Toxicity flags offensive, hateful, sexual or violent material.
func Toxicity(client llm.Client) *LLMCheck {
	return &LLMCheck{
		name:      TypeToxicity,
		threshold: 0.7,
		client:    client,
		instructions: "You are a content safety classifier. Rate how toxic the text is from 0 (clean) to 1 " +
			"(severely toxic), covering insults, hate speech, sexual content, threats and graphic violence. " +
			"Set flagged to true if the text should not be published.",
	}
}

// Bias flags one-sided, stereotyping or misleading content.
func Bias(client llm.Client) *LLMCheck {
	return &LLMCheck{
		name:      TypeBias,
		threshold: 0.7,
		client:    client,
		instructions: "You are an expert at detecting bias and misinformation. Check for gender, racial, cultural, " +
			"religious or political bias, harmful stereotypes, exclusionary language and misleading claims. " +
			"Rate bias from 0 (unbiased) to 1, list the instances found and suggestions, and set flagged to true " +
			"if the content should be held back. Some topics naturally have perspectives; be fair.",
	}
}

func (c *LLMCheck) Name() string { return c.name }

func (c *LLMCheck) Check(ctx context.Context, text string) (Verdict, error) {
	schema, err := schemas.Raw(schemas.GuardrailVerdict)
	if err != nil {
		return Verdict{}, err
	}
	prompt := fmt.Sprintf("%s\n\nText:\n%s\n\nRespond with JSON matching this schema:\n%s",
		c.instructions, truncateRunes(text, maxCheckRunes), schema)

	var cv classifierVerdict
	if err := llm.GenerateInto(ctx, c.client, prompt, schemas.GuardrailVerdict, &cv); err != nil {
		return Verdict{}, fmt.Errorf("%s check: %w", c.name, err)
	}
	details, err := json.Marshal(cv)
	if err != nil {
		return Verdict{}, fmt.Errorf("%s details: %w", c.name, err)
	}
	passed := !cv.Flagged && cv.Score < c.threshold
	msg := fmt.Sprintf("content passed %s check", c.name)
	if !passed {
		msg = fmt.Sprintf("content flagged for %s (score %.2f)", c.name, cv.Score)
	}
	return Verdict{Type: c.name, Passed: passed, Score: cv.Score, Message: msg, Details: details}, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
