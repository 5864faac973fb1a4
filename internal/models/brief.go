package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Tone is the requested delivery style of the episode.
type Tone string

const (
	ToneProfessional  Tone = "professional"
	ToneCasual        Tone = "casual"
	ToneEducational   Tone = "educational"
	ToneEntertaining  Tone = "entertaining"
	ToneInspirational Tone = "inspirational"
)

// Brief is the immutable input a job is created from.
type Brief struct {
	Topic             string   `json:"topic" validate:"required"`
	Tone              Tone     `json:"tone" validate:"required,oneof=professional casual educational entertaining inspirational"`
	LengthMinutes     int      `json:"length_minutes" validate:"min=5,max=60"`
	TargetAudience    string   `json:"target_audience,omitempty"`
	KeyPoints         []string `json:"key_points,omitempty"`
	AvoidTopics       []string `json:"avoid_topics,omitempty"`
	VoicePreference   string   `json:"voice_preference,omitempty"`
	AdditionalContext string   `json:"additional_context,omitempty"`
}

var validate = validator.New()

// Validator exposes the shared validator so other packages validate with the same instance.
func Validator() *validator.Validate {
	return validate
}

// Validate rejects briefs with a missing topic, unknown tone or out-of-range length.
func (b Brief) Validate() error {
	if strings.TrimSpace(b.Topic) == "" {
		return errors.New("invalid brief: topic is required")
	}
	if err := validate.Struct(b); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return fmt.Errorf("invalid brief: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid brief: %w", err)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", strings.ToLower(fe.Field()))
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", strings.ToLower(fe.Field()), fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s must be between 5 and 60", strings.ToLower(fe.Field()))
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
