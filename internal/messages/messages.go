package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"podcast-pipeline/internal/models"
)

// ErrMalformed marks payloads rejected at the channel boundary.
var ErrMalformed = errors.New("malformed message")

// Message is a typed payload bound to exactly one topic.
type Message interface {
	Topic() string
	// Key is the job id used for routing and logging.
	Key() string
	Validate() error
}

// Artifact carries the upstream output a stage consumes.
type Artifact struct {
	Outline  *models.Outline `json:"outline,omitempty"`
	Script   string          `json:"script,omitempty"`
	AudioURL string          `json:"audio_url,omitempty"`
}

// GenerationRequest asks a stage to (re)produce its artifact.
type GenerationRequest struct {
	JobID    string       `json:"job_id" validate:"required"`
	Stage    models.Stage `json:"stage" validate:"required,oneof=outline script audio publish"`
	Brief    models.Brief `json:"brief"`
	Input    Artifact     `json:"input"`
	Feedback string       `json:"feedback,omitempty"`
	Issues   []string     `json:"issues,omitempty"`
	Attempt  int          `json:"attempt,omitempty"`
}

func (m GenerationRequest) Topic() string { return Topic(m.Stage, PhaseGeneration) }
func (m GenerationRequest) Key() string   { return m.JobID }

// Validate checks that the upstream artifact the stage needs is present.
func (m GenerationRequest) Validate() error {
	if err := models.Validator().Struct(m); err != nil {
		return err
	}
	switch m.Stage {
	case models.StageScript:
		if m.Input.Outline == nil {
			return errors.New("script generation requires an outline")
		}
	case models.StageAudio:
		if strings.TrimSpace(m.Input.Script) == "" {
			return errors.New("audio generation requires a script")
		}
	case models.StagePublish:
		if m.Input.AudioURL == "" {
			return errors.New("publish requires an audio_url")
		}
	}
	return nil
}

// EvaluationRequest hands a freshly generated artifact to the evaluation gate.
type EvaluationRequest struct {
	JobID    string       `json:"job_id" validate:"required"`
	Stage    models.Stage `json:"stage" validate:"required,oneof=outline script audio"`
	Brief    models.Brief `json:"brief"`
	Artifact Artifact     `json:"artifact"`
}

func (m EvaluationRequest) Topic() string { return Topic(m.Stage, PhaseEvaluation) }
func (m EvaluationRequest) Key() string   { return m.JobID }

func (m EvaluationRequest) Validate() error {
	if err := models.Validator().Struct(m); err != nil {
		return err
	}
	return requireArtifact(m.Stage, m.Artifact)
}

// ReviewRequest carries an evaluated artifact through the guardrail and approval gates.
type ReviewRequest struct {
	JobID      string        `json:"job_id" validate:"required"`
	Stage      models.Stage  `json:"stage" validate:"required,oneof=outline script audio"`
	Phase      Phase         `json:"phase" validate:"required,oneof=guardrails approval"`
	Brief      models.Brief  `json:"brief"`
	Artifact   Artifact      `json:"artifact"`
	Evaluation *models.Score `json:"evaluation,omitempty"`

	// Reviewer overrides the job's notification target for human approval.
	Reviewer string `json:"reviewer,omitempty" validate:"omitempty,email"`
}

func (m ReviewRequest) Topic() string { return Topic(m.Stage, m.Phase) }
func (m ReviewRequest) Key() string   { return m.JobID }

func (m ReviewRequest) Validate() error {
	if err := models.Validator().Struct(m); err != nil {
		return err
	}
	if m.Phase == PhaseGuardrails && m.Stage == models.StageAudio {
		return errors.New("audio has no guardrails phase")
	}
	return requireArtifact(m.Stage, m.Artifact)
}

// StatusEvent is broadcast on every job transition.
type StatusEvent struct {
	JobID        string        `json:"job_id" validate:"required"`
	Status       models.Status `json:"status" validate:"required"`
	Previous     models.Status `json:"previous,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	At           time.Time     `json:"at"`
}

func (m StatusEvent) Topic() string { return TopicJobStatus }
func (m StatusEvent) Key() string   { return m.JobID }

func (m StatusEvent) Validate() error {
	if err := models.Validator().Struct(m); err != nil {
		return err
	}
	if !m.Status.Valid() {
		return fmt.Errorf("unknown status %q", m.Status)
	}
	return nil
}

func requireArtifact(stage models.Stage, a Artifact) error {
	switch stage {
	case models.StageOutline:
		if a.Outline == nil {
			return errors.New("outline artifact missing")
		}
	case models.StageScript:
		if strings.TrimSpace(a.Script) == "" {
			return errors.New("script artifact missing")
		}
	case models.StageAudio:
		if a.AudioURL == "" {
			return errors.New("audio artifact missing")
		}
	}
	return nil
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Topic(), err)
	}
	return data, nil
}

// Decode parses and validates a payload received on topic. Every failure wraps ErrMalformed.
func Decode(topic string, data []byte) (Message, error) {
	var (
		msg Message
		err error
	)
	if topic == TopicJobStatus {
		var ev StatusEvent
		err = json.Unmarshal(data, &ev)
		msg = ev
	} else {
		stage, phase, ok := ParseTopic(topic)
		if !ok {
			return nil, fmt.Errorf("%w: unknown topic %q", ErrMalformed, topic)
		}
		switch phase {
		case PhaseGeneration:
			var req GenerationRequest
			err = json.Unmarshal(data, &req)
			msg = req
			if err == nil && req.Stage != stage {
				err = fmt.Errorf("stage %q does not match topic", req.Stage)
			}
		case PhaseEvaluation:
			var req EvaluationRequest
			err = json.Unmarshal(data, &req)
			msg = req
			if err == nil && req.Stage != stage {
				err = fmt.Errorf("stage %q does not match topic", req.Stage)
			}
		default:
			var req ReviewRequest
			err = json.Unmarshal(data, &req)
			msg = req
			if err == nil && (req.Stage != stage || req.Phase != phase) {
				err = fmt.Errorf("stage/phase %s/%s does not match topic", req.Stage, req.Phase)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, topic, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, topic, err)
	}
	return msg, nil
}

// JobIDOf extracts the job id from a raw payload without validating it. Used to attribute
// malformed messages.
func JobIDOf(data []byte) string {
	var head struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.JobID
}
