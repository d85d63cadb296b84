package model

import "time"

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Prompt          string       `json:"prompt"`
	Provider        ProviderName `json:"provider" validate:"omitempty,max=32"`
	Model           string       `json:"model" validate:"omitempty,max=64"`
	Style           string       `json:"style" validate:"omitempty,max=1000"`
	Title           string       `json:"title" validate:"omitempty,max=255"`
	DurationSeconds int          `json:"durationSeconds" validate:"omitempty,min=5,max=480"`
	Instrumental    bool         `json:"instrumental"`
	Lyrics          string       `json:"lyrics" validate:"omitempty,max=5000"`
}

// GenerateResponse is returned once the job row exists and work is dispatched.
type GenerateResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message"`
}

// ResetResponse is returned by POST /api/jobs/:jobId/reset.
type ResetResponse struct {
	Success       bool      `json:"success"`
	JobID         string    `json:"jobId"`
	PreviousJobID string    `json:"previousJobId"`
	Status        JobStatus `json:"status"`
	Message       string    `json:"message"`
}

// JobStatusResponse is the polling view of a single job.
type JobStatusResponse struct {
	Success      bool       `json:"success"`
	JobID        string     `json:"jobId"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStep  string     `json:"currentStep,omitempty"`
	Provider     string     `json:"provider"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	Track        *Track     `json:"track,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// PipelineRequest is the body of POST /api/pipeline.
type PipelineRequest struct {
	GenerateRequest
	EnableExtension       bool    `json:"enableExtension"`
	EnableVocalSeparation bool    `json:"enableVocalSeparation"`
	EnableWavConversion   bool    `json:"enableWavConversion"`
	ExtendAtSeconds       float64 `json:"extendAtSeconds" validate:"omitempty,min=0"`
	ExtendPrompt          string  `json:"extendPrompt" validate:"omitempty,max=1000"`
}

// PipelineStatusRequest is the body of POST /api/pipeline/status.
type PipelineStatusRequest struct {
	PipelineID string `json:"pipelineId" validate:"required"`
}

type StepSummary struct {
	Name   StepName   `json:"name"`
	Status StepStatus `json:"status"`
}

type PipelineCreateResponse struct {
	Success    bool          `json:"success"`
	PipelineID string        `json:"pipelineId"`
	Steps      []StepSummary `json:"steps"`
	Message    string        `json:"message"`
}

type StepView struct {
	Name           StepName    `json:"name"`
	Status         StepStatus  `json:"status"`
	Progress       int         `json:"progress"`
	ProviderTaskID *string     `json:"providerTaskId,omitempty"`
	Result         interface{} `json:"result,omitempty"`
	ErrorMessage   *string     `json:"errorMessage,omitempty"`
}

// PipelineStatus is the aggregate view returned by the status endpoints.
type PipelineStatus struct {
	Success                bool       `json:"success"`
	PipelineID             string     `json:"pipelineId"`
	Status                 JobStatus  `json:"status"`
	CurrentStepIndex       int        `json:"currentStepIndex"`
	Steps                  []StepView `json:"steps"`
	AggregateProgress      int        `json:"aggregateProgress"`
	EstimatedTimeRemaining int        `json:"estimatedTimeRemaining"` // seconds
	BaseJobID              *string    `json:"baseJobId,omitempty"`
	BaseTrackID            *string    `json:"baseTrackId,omitempty"`
	ErrorMessage           *string    `json:"errorMessage,omitempty"`
}

// CleanupResponse is returned by the stuck-job cleanup endpoint.
type CleanupResponse struct {
	Success          bool `json:"success"`
	CleanedJobs      int  `json:"cleanedJobs"`
	CleanedPipelines int  `json:"cleanedPipelines"`
}
