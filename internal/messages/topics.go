package messages

import (
	"fmt"
	"strings"

	"podcast-pipeline/internal/models"
)

// Phase is the sub-step of a stage a topic carries.
type Phase string

const (
	PhaseGeneration Phase = "generation"
	PhaseEvaluation Phase = "evaluation"
	PhaseGuardrails Phase = "guardrails"
	PhaseApproval   Phase = "approval"
)

const (
	topicDomain = "podcast"

	// TopicDeadLetter collects messages that could not be delivered or handled.
	TopicDeadLetter = "podcast.dlq"
	// TopicJobStatus broadcasts every status transition.
	TopicJobStatus = "podcast.job.status"
)

// Topic names the channel for a stage and phase: podcast.<stage>.<phase>.
func Topic(stage models.Stage, phase Phase) string {
	return fmt.Sprintf("%s.%s.%s", topicDomain, stage, phase)
}

// ParseTopic splits a stage topic into its stage and phase.
func ParseTopic(topic string) (models.Stage, Phase, bool) {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != topicDomain {
		return "", "", false
	}
	stage, ok := models.ParseStage(parts[1])
	if !ok {
		return "", "", false
	}
	phase := Phase(parts[2])
	switch phase {
	case PhaseGeneration:
		return stage, phase, true
	case PhaseEvaluation, PhaseApproval:
		if stage == models.StagePublish {
			return "", "", false
		}
		return stage, phase, true
	case PhaseGuardrails:
		if stage == models.StageOutline || stage == models.StageScript {
			return stage, phase, true
		}
	}
	return "", "", false
}

// StageTopics lists every stage topic in pipeline order.
func StageTopics() []string {
	topics := []string{
		Topic(models.StageOutline, PhaseGeneration),
		Topic(models.StageOutline, PhaseEvaluation),
		Topic(models.StageOutline, PhaseGuardrails),
		Topic(models.StageOutline, PhaseApproval),
		Topic(models.StageScript, PhaseGeneration),
		Topic(models.StageScript, PhaseEvaluation),
		Topic(models.StageScript, PhaseGuardrails),
		Topic(models.StageScript, PhaseApproval),
		Topic(models.StageAudio, PhaseGeneration),
		Topic(models.StageAudio, PhaseEvaluation),
		Topic(models.StageAudio, PhaseApproval),
		Topic(models.StagePublish, PhaseGeneration),
	}
	return topics
}
