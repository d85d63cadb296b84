package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// PipelineParams extends the generation snapshot with stage options.
type PipelineParams struct {
	GenerationParams
	EnableExtension       bool    `json:"enableExtension"`
	EnableVocalSeparation bool    `json:"enableVocalSeparation"`
	EnableWavConversion   bool    `json:"enableWavConversion"`
	ExtendAtSeconds       float64 `json:"extendAtSeconds,omitempty"`
	ExtendPrompt          string  `json:"extendPrompt,omitempty"`
}

// PipelineJob chains a base generation with optional post-processing stages.
// Stages are not transactional: when a later stage fails, artifacts of the
// earlier stages (including the base track) stay in place.
type PipelineJob struct {
	ID               string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID          string         `gorm:"type:varchar(128);not null;index" json:"ownerId"`
	Provider         ProviderName   `gorm:"type:varchar(32);not null" json:"provider"`
	Status           JobStatus      `gorm:"type:varchar(16);not null;index:idx_pipeline_jobs_status_updated" json:"status"`
	CurrentStepIndex int            `gorm:"not null;default:0" json:"currentStepIndex"`
	RequestParams    datatypes.JSON `json:"requestParams"`
	BaseJobID        *string        `gorm:"type:varchar(36)" json:"baseJobId,omitempty"`
	BaseTrackID      *string        `gorm:"type:varchar(36)" json:"baseTrackId,omitempty"`
	ErrorMessage     *string        `gorm:"type:text" json:"errorMessage,omitempty"`
	Revision         int64          `gorm:"not null;default:0" json:"revision"`
	CreatedAt        time.Time      `gorm:"not null" json:"createdAt"`
	UpdatedAt        time.Time      `gorm:"not null;index:idx_pipeline_jobs_status_updated" json:"updatedAt"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`

	Steps []PipelineStep `gorm:"foreignKey:PipelineID;constraint:OnDelete:CASCADE" json:"steps"`
}

func (PipelineJob) TableName() string { return "pipeline_jobs" }

func (p *PipelineJob) Params() (PipelineParams, error) {
	var out PipelineParams
	if len(p.RequestParams) == 0 {
		return out, nil
	}
	err := json.Unmarshal(p.RequestParams, &out)
	return out, err
}

// PipelineStep is one stage of a pipeline. Position is fixed at creation.
type PipelineStep struct {
	ID             uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	PipelineID     string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_pipeline_steps_position" json:"-"`
	Position       int            `gorm:"not null;uniqueIndex:idx_pipeline_steps_position" json:"position"`
	Name           StepName       `gorm:"type:varchar(32);not null" json:"name"`
	Status         StepStatus     `gorm:"type:varchar(16);not null" json:"status"`
	ProviderTaskID *string        `gorm:"type:varchar(128);index" json:"providerTaskId,omitempty"`
	Progress       int            `gorm:"not null;default:0" json:"progress"`
	Result         datatypes.JSON `json:"result,omitempty"`
	ErrorMessage   *string        `gorm:"type:text" json:"errorMessage,omitempty"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func (PipelineStep) TableName() string { return "pipeline_steps" }

// BuildSteps returns the fixed step list for the given flags.
func BuildSteps(p PipelineParams) []PipelineStep {
	names := []StepName{StepStyleRefinement, StepBaseGeneration}
	if p.EnableExtension {
		names = append(names, StepExtension)
	}
	if p.EnableVocalSeparation {
		names = append(names, StepVocalSeparation)
	}
	if p.EnableWavConversion {
		names = append(names, StepWavConversion)
	}

	steps := make([]PipelineStep, len(names))
	for i, name := range names {
		steps[i] = PipelineStep{
			Position: i,
			Name:     name,
			Status:   StepStatusPending,
		}
	}
	return steps
}

// NominalStepDuration is the expected wall-clock time of each stage, used for
// remaining-time estimates.
var NominalStepDuration = map[StepName]time.Duration{
	StepStyleRefinement: 10 * time.Second,
	StepBaseGeneration:  2 * time.Minute,
	StepExtension:       2 * time.Minute,
	StepVocalSeparation: 90 * time.Second,
	StepWavConversion:   time.Minute,
}
