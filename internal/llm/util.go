package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"podcast-pipeline/internal/schemas"
)

// CleanJSONBlock removes markdown code block wrappers from JSON responses.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// Drop a language tag such as "json" on the fence line.
	if idx := strings.Index(text, "\n"); idx >= 0 {
		first := text[:idx]
		if len(first) < 20 && !strings.ContainsAny(first, " {[") {
			text = text[idx+1:]
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// GenerateInto asks the client for JSON, validates it against schema and decodes it into out.
func GenerateInto(ctx context.Context, c Client, prompt string, schema schemas.Name, out any) error {
	raw, err := c.GenerateJSON(ctx, prompt)
	if err != nil {
		return err
	}
	raw = CleanJSONBlock(raw)
	if err := schemas.Validate(schema, []byte(raw)); err != nil {
		return fmt.Errorf("llm response: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode llm response: %w", err)
	}
	return nil
}
