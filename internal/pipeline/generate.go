package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"podcast-pipeline/internal/evaluation"
	"podcast-pipeline/internal/llm"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/schemas"
	"podcast-pipeline/internal/storage"
	"podcast-pipeline/internal/synth"
)

func (p *Pipeline) generateOutline(ctx context.Context, req messages.GenerationRequest) error {
	if _, ok, err := p.load(ctx, req.JobID, models.StatusOutlineGeneration); !ok || err != nil {
		return err
	}
	var outline models.Outline
	if err := llm.GenerateInto(ctx, p.LLM, outlinePrompt(req), schemas.Outline, &outline); err != nil {
		return fmt.Errorf("generate outline: %w", err)
	}
	return p.produced(ctx, req.JobID, models.StageOutline, func(j *models.Job) {
		j.Outline = &outline
	})
}

func (p *Pipeline) generateScript(ctx context.Context, req messages.GenerationRequest) error {
	if _, ok, err := p.load(ctx, req.JobID, models.StatusScriptGeneration); !ok || err != nil {
		return err
	}
	text, err := p.LLM.GenerateContent(ctx, scriptPrompt(req))
	if err != nil {
		return fmt.Errorf("generate script: %w", err)
	}
	script := strings.TrimSpace(text)
	if script == "" {
		return errors.New("generate script: empty response")
	}
	return p.produced(ctx, req.JobID, models.StageScript, func(j *models.Job) {
		j.Script = script
	})
}

func (p *Pipeline) generateAudio(ctx context.Context, req messages.GenerationRequest) error {
	if _, ok, err := p.load(ctx, req.JobID, models.StatusTTSGeneration); !ok || err != nil {
		return err
	}
	var audio bytes.Buffer
	voice := synth.VoiceFor(req.Brief.VoicePreference, p.Voice)
	chunks, err := p.Renderer.Render(ctx, synth.PrepareSSML(req.Input.Script), voice, &audio)
	if err != nil {
		return fmt.Errorf("render audio: %w", err)
	}
	url, err := p.Uploader.Upload(ctx, storage.AudioKey(req.JobID), audio.Bytes(), "audio/mpeg")
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}
	p.logger.Info("audio rendered", "job_id", req.JobID, "chunks", chunks, "bytes", audio.Len(), "voice", voice.Name)
	return p.produced(ctx, req.JobID, models.StageAudio, func(j *models.Job) {
		j.AudioURL = url
	})
}

func (p *Pipeline) publish(ctx context.Context, req messages.GenerationRequest) error {
	job, ok, err := p.load(ctx, req.JobID, models.StatusPublishing)
	if !ok || err != nil {
		return err
	}
	feedURL, err := p.Publisher.Publish(ctx, job)
	if err != nil {
		return err
	}
	_, _, err = p.move(ctx, req.JobID, models.StatusPublishing, func(j *models.Job) {
		j.RSSFeedURL = feedURL
		j.Status = models.StatusCompleted
	})
	return err
}

// produced stores the new artifact, moves the job to evaluation and emits the evaluation request.
func (p *Pipeline) produced(ctx context.Context, id string, stage models.Stage, set func(*models.Job)) error {
	job, ok, err := p.move(ctx, id, models.GenerationStatus(stage), func(j *models.Job) {
		set(j)
		j.Status = models.EvaluationStatus(stage)
	})
	if !ok || err != nil {
		return err
	}
	return p.Mover.Emit(ctx, messages.Evaluate(job, stage))
}

func outlinePrompt(req messages.GenerationRequest) string {
	var b strings.Builder
	b.WriteString("You are an expert podcast content creator. Generate a structured outline for a podcast based on the brief below.\n")
	b.WriteString("Consider the target audience, the desired tone, the time constraints and a logical, engaging flow.\n\n")
	writeBrief(&b, req.Brief)
	writeFeedback(&b, req)
	schema, _ := schemas.Raw(schemas.Outline)
	fmt.Fprintf(&b, "\nRespond with JSON only, matching this schema:\n%s\n", schema)
	return b.String()
}

func scriptPrompt(req messages.GenerationRequest) string {
	var b strings.Builder
	b.WriteString("You are a podcast script writer. Write the full spoken script for the episode outlined below.\n")
	b.WriteString("Write natural spoken language for a single host. Mark dramatic pauses with [pause] and words to stress with **double asterisks**.\n")
	b.WriteString("Return only the script text, without stage directions or headings.\n\n")
	writeBrief(&b, req.Brief)
	if req.Input.Outline != nil {
		fmt.Fprintf(&b, "\nOutline:\n%s", evaluation.FormatOutline(*req.Input.Outline))
	}
	writeFeedback(&b, req)
	return b.String()
}

func writeBrief(b *strings.Builder, brief models.Brief) {
	audience := brief.TargetAudience
	if audience == "" {
		audience = "general audience"
	}
	fmt.Fprintf(b, "Topic: %s\nTone: %s\nLength: %d minutes\nTarget audience: %s\n", brief.Topic, brief.Tone, brief.LengthMinutes, audience)
	if len(brief.KeyPoints) > 0 {
		fmt.Fprintf(b, "Key points: %s\n", strings.Join(brief.KeyPoints, ", "))
	}
	if len(brief.AvoidTopics) > 0 {
		fmt.Fprintf(b, "Avoid topics: %s\n", strings.Join(brief.AvoidTopics, ", "))
	}
	if brief.AdditionalContext != "" {
		fmt.Fprintf(b, "Additional context: %s\n", brief.AdditionalContext)
	}
}

func writeFeedback(b *strings.Builder, req messages.GenerationRequest) {
	if req.Feedback == "" && len(req.Issues) == 0 {
		return
	}
	fmt.Fprintf(b, "\nThe previous attempt (%d) was sent back. Address this feedback:\n", req.Attempt)
	if req.Feedback != "" {
		fmt.Fprintf(b, "%s\n", req.Feedback)
	}
	for _, issue := range req.Issues {
		fmt.Fprintf(b, "- %s\n", issue)
	}
}
