package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Approval modes accepted for a stage.
const (
	ApprovalAuto  = "auto"
	ApprovalHuman = "human"
)

// StagePolicy controls gating for one pipeline stage (outline, script, audio).
type StagePolicy struct {
	Threshold  float64 `yaml:"threshold"`
	Approval   string  `yaml:"approval"`
	MaxRetries int     `yaml:"max_retries"`
	Guardrails bool    `yaml:"guardrails"`
}

// Policy is the per-stage gating configuration. It can be overlaid from a YAML file.
type Policy struct {
	Stages              map[string]StagePolicy `yaml:"stages"`
	AudioSimulatedScore float64                `yaml:"audio_simulated_score"`
}

// DefaultPolicy returns the thresholds and modes used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Stages: map[string]StagePolicy{
			"outline": {Threshold: 0.70, Approval: ApprovalHuman, MaxRetries: 3, Guardrails: true},
			"script":  {Threshold: 0.75, Approval: ApprovalHuman, MaxRetries: 3, Guardrails: false},
			"audio":   {Threshold: 0.80, Approval: ApprovalHuman, MaxRetries: 3, Guardrails: false},
		},
		AudioSimulatedScore: 0.85,
	}
}

// Stage returns the policy for a stage, falling back to an auto-approving policy for unknown stages.
func (p Policy) Stage(name string) StagePolicy {
	if sp, ok := p.Stages[name]; ok {
		return sp
	}
	return StagePolicy{Threshold: 0.7, Approval: ApprovalAuto, MaxRetries: 3}
}

// HumanReview reports whether any stage asks a reviewer for approval.
func (p Policy) HumanReview() bool {
	for _, sp := range p.Stages {
		if sp.Approval == ApprovalHuman {
			return true
		}
	}
	return false
}

func (p *Policy) applyEnv() {
	maxRetries := getEnvInt("MAX_STAGE_RETRIES", -1)
	for name, sp := range p.Stages {
		upper := strings.ToUpper(name)
		sp.Threshold = getEnvFloat(upper+"_THRESHOLD", sp.Threshold)
		sp.Approval = strings.ToLower(getEnv("APPROVAL_MODE_"+upper, sp.Approval))
		if getEnvBool("AUTO_APPROVE_"+upper, false) {
			sp.Approval = ApprovalAuto
		}
		sp.Guardrails = getEnvBool(upper+"_GUARDRAILS_ENABLED", sp.Guardrails)
		if maxRetries >= 0 {
			sp.MaxRetries = maxRetries
		}
		p.Stages[name] = sp
	}
	p.AudioSimulatedScore = getEnvFloat("AUDIO_SIMULATED_SCORE", p.AudioSimulatedScore)

	if path := os.Getenv("PIPELINE_POLICY_FILE"); path != "" {
		if err := p.LoadFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "policy file ignored: %v\n", err)
		}
	}
}

// LoadFile overlays a YAML policy file onto p. Stages absent from the file keep their current values.
func (p *Policy) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	return p.Overlay(data)
}

// Overlay merges YAML policy content onto p.
func (p *Policy) Overlay(data []byte) error {
	var overlay Policy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}
	if p.Stages == nil {
		p.Stages = map[string]StagePolicy{}
	}
	for name, sp := range overlay.Stages {
		base, ok := p.Stages[name]
		if !ok {
			base = StagePolicy{Approval: ApprovalAuto, MaxRetries: 3}
		}
		if sp.Threshold > 0 {
			base.Threshold = sp.Threshold
		}
		if sp.Approval != "" {
			base.Approval = strings.ToLower(sp.Approval)
		}
		if sp.MaxRetries > 0 {
			base.MaxRetries = sp.MaxRetries
		}
		base.Guardrails = base.Guardrails || sp.Guardrails
		p.Stages[name] = base
	}
	if overlay.AudioSimulatedScore > 0 {
		p.AudioSimulatedScore = overlay.AudioSimulatedScore
	}
	return p.Validate()
}

// Validate rejects unusable policies.
func (p Policy) Validate() error {
	for name, sp := range p.Stages {
		if sp.Threshold < 0 || sp.Threshold > 1 {
			return fmt.Errorf("stage %s: threshold %.2f out of range [0,1]", name, sp.Threshold)
		}
		if sp.Approval != ApprovalAuto && sp.Approval != ApprovalHuman {
			return fmt.Errorf("stage %s: unknown approval mode %q", name, sp.Approval)
		}
		if sp.MaxRetries < 0 {
			return fmt.Errorf("stage %s: max_retries must be non-negative", name)
		}
	}
	return nil
}

// LoadPolicy returns the default policy overlaid with the YAML file at path.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if err := p.LoadFile(path); err != nil {
		return Policy{}, err
	}
	return p, nil
}
