package model

// Job statuses
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ActiveJobStatuses are the non-terminal statuses the reaper watches.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a record may move from s to next.
// Status only moves forward: pending -> processing -> completed|failed,
// and pending may fail directly (dispatch errors, reaper).
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// Providers
type ProviderName string

const (
	ProviderSuno   ProviderName = "suno"
	ProviderMureka ProviderName = "mureka"
	ProviderTest   ProviderName = "test"
)

var ValidProviders = []ProviderName{ProviderSuno, ProviderMureka, ProviderTest}

// Pipeline step names, in execution order.
type StepName string

const (
	StepStyleRefinement StepName = "style_refinement"
	StepBaseGeneration  StepName = "base_generation"
	StepExtension       StepName = "extension"
	StepVocalSeparation StepName = "vocal_separation"
	StepWavConversion   StepName = "wav_conversion"
)

// Pipeline step statuses
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// Progress checkpoints written by the generation run.
const (
	ProgressStarted       = 5
	ProgressPromptRefined = 15
	ProgressLyricsReady   = 30
	ProgressStyleRefined  = 45
	ProgressGenerated     = 70
	ProgressPersisting    = 85
	ProgressCompleted     = 100
)

// PollProgress maps a poll attempt onto the 45..70 band reserved for
// provider generation.
func PollProgress(attempt, maxAttempts int) int {
	if maxAttempts <= 0 {
		return ProgressStyleRefined
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	span := ProgressGenerated - ProgressStyleRefined
	return ProgressStyleRefined + span*attempt/maxAttempts
}
