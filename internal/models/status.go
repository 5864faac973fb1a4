package models

// Status enumerates job lifecycle states persisted by the store.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusOutlineGeneration Status = "OUTLINE_GENERATION"
	StatusOutlineEvaluation Status = "OUTLINE_EVALUATION"
	StatusOutlineApproval   Status = "OUTLINE_APPROVAL"
	StatusScriptGeneration  Status = "SCRIPT_GENERATION"
	StatusScriptEvaluation  Status = "SCRIPT_EVALUATION"
	StatusScriptApproval    Status = "SCRIPT_APPROVAL"
	StatusTTSGeneration     Status = "TTS_GENERATION"
	StatusTTSEvaluation     Status = "TTS_EVALUATION"
	StatusAudioApproval     Status = "AUDIO_APPROVAL"
	StatusPublishing        Status = "PUBLISHING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
)

// Lifecycle is the linear happy path in order.
var Lifecycle = []Status{
	StatusPending,
	StatusOutlineGeneration,
	StatusOutlineEvaluation,
	StatusOutlineApproval,
	StatusScriptGeneration,
	StatusScriptEvaluation,
	StatusScriptApproval,
	StatusTTSGeneration,
	StatusTTSEvaluation,
	StatusAudioApproval,
	StatusPublishing,
	StatusCompleted,
}

// Stage names one pipeline phase.
type Stage string

const (
	StageOutline Stage = "outline"
	StageScript  Stage = "script"
	StageAudio   Stage = "audio"
	StagePublish Stage = "publish"
)

// ApprovalStages are the stages guarded by an approval checkpoint, in pipeline order.
var ApprovalStages = []Stage{StageOutline, StageScript, StageAudio}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	return s.index() >= 0
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) index() int {
	for i, st := range Lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

var regenerationEdges = map[Status]Status{
	StatusOutlineEvaluation: StatusOutlineGeneration,
	StatusOutlineApproval:   StatusOutlineGeneration,
	StatusScriptEvaluation:  StatusScriptGeneration,
	StatusScriptApproval:    StatusScriptGeneration,
	StatusTTSEvaluation:     StatusTTSGeneration,
	StatusAudioApproval:     StatusTTSGeneration,
}

// CanTransition reports whether a job may move from one status to another.
// Allowed: self edges, the next lifecycle state, regeneration back to the stage's
// generation state, and FAILED from any non-terminal state.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	if i := from.index(); i >= 0 && i+1 < len(Lifecycle) && Lifecycle[i+1] == to {
		return true
	}
	return regenerationEdges[from] == to
}

// GenerationStatus is the status a job holds while the stage's artifact is produced.
func GenerationStatus(stage Stage) Status {
	switch stage {
	case StageOutline:
		return StatusOutlineGeneration
	case StageScript:
		return StatusScriptGeneration
	case StageAudio:
		return StatusTTSGeneration
	case StagePublish:
		return StatusPublishing
	}
	return ""
}

// EvaluationStatus is the status a job holds while the stage's artifact is evaluated and screened.
func EvaluationStatus(stage Stage) Status {
	switch stage {
	case StageOutline:
		return StatusOutlineEvaluation
	case StageScript:
		return StatusScriptEvaluation
	case StageAudio:
		return StatusTTSEvaluation
	}
	return ""
}

// ApprovalStatus is the status a job holds at the stage's approval checkpoint.
func ApprovalStatus(stage Stage) Status {
	switch stage {
	case StageOutline:
		return StatusOutlineApproval
	case StageScript:
		return StatusScriptApproval
	case StageAudio:
		return StatusAudioApproval
	}
	return ""
}

// NextStage is the stage generated after stage is approved.
func NextStage(stage Stage) Stage {
	switch stage {
	case StageOutline:
		return StageScript
	case StageScript:
		return StageAudio
	case StageAudio:
		return StagePublish
	}
	return ""
}

// StageOf maps a non-terminal status back to its stage.
func StageOf(s Status) Stage {
	switch s {
	case StatusOutlineGeneration, StatusOutlineEvaluation, StatusOutlineApproval:
		return StageOutline
	case StatusScriptGeneration, StatusScriptEvaluation, StatusScriptApproval:
		return StageScript
	case StatusTTSGeneration, StatusTTSEvaluation, StatusAudioApproval:
		return StageAudio
	case StatusPublishing:
		return StagePublish
	}
	return ""
}

// ParseStage validates a stage name.
func ParseStage(v string) (Stage, bool) {
	switch Stage(v) {
	case StageOutline, StageScript, StageAudio, StagePublish:
		return Stage(v), true
	}
	return "", false
}
