package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// GenerationParams is the immutable snapshot of what the caller asked for.
type GenerationParams struct {
	Prompt          string       `json:"prompt"`
	Style           string       `json:"style,omitempty"`
	Title           string       `json:"title,omitempty"`
	DurationSeconds int          `json:"durationSeconds,omitempty"`
	Instrumental    bool         `json:"instrumental"`
	Lyrics          string       `json:"lyrics,omitempty"`
	Model           string       `json:"model,omitempty"`
	Provider        ProviderName `json:"provider"`
}

// GenerationJob is one request to produce a track from a provider.
type GenerationJob struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID        string         `gorm:"type:varchar(128);not null;index" json:"ownerId"`
	Provider       ProviderName   `gorm:"type:varchar(32);not null" json:"provider"`
	Model          string         `gorm:"type:varchar(64)" json:"model,omitempty"`
	Status         JobStatus      `gorm:"type:varchar(16);not null;index:idx_generation_jobs_status_updated" json:"status"`
	Progress       int            `gorm:"not null;default:0" json:"progress"`
	CurrentStep    string         `gorm:"type:varchar(128)" json:"currentStep,omitempty"`
	RequestParams  datatypes.JSON `json:"requestParams"`
	ResultTrackID  *string        `gorm:"type:varchar(36)" json:"resultTrackId,omitempty"`
	ErrorMessage   *string        `gorm:"type:text" json:"errorMessage,omitempty"`
	ProviderTaskID *string        `gorm:"type:varchar(128);index" json:"providerTaskId,omitempty"`
	PipelineID     *string        `gorm:"type:varchar(36);index" json:"pipelineId,omitempty"`
	Fingerprint    string         `gorm:"type:varchar(64);index" json:"-"`
	Revision       int64          `gorm:"not null;default:0" json:"revision"`
	CreatedAt      time.Time      `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"not null;index:idx_generation_jobs_status_updated" json:"updatedAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }

// Params decodes the request snapshot.
func (j *GenerationJob) Params() (GenerationParams, error) {
	var p GenerationParams
	if len(j.RequestParams) == 0 {
		return p, nil
	}
	err := json.Unmarshal(j.RequestParams, &p)
	return p, err
}

// Track is the durable artifact of a completed generation job.
type Track struct {
	ID               string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID          string       `gorm:"type:varchar(128);not null;index" json:"ownerId"`
	JobID            string       `gorm:"type:varchar(36);not null;uniqueIndex" json:"jobId"`
	Title            string       `gorm:"type:varchar(255)" json:"title"`
	DurationSeconds  float64      `json:"durationSeconds"`
	AudioLocation    string       `gorm:"type:text;not null" json:"audioLocation"`
	ArtworkLocation  string       `gorm:"type:text" json:"artworkLocation,omitempty"`
	Genre            string       `gorm:"type:varchar(128)" json:"genre,omitempty"`
	Provider         ProviderName `gorm:"type:varchar(32)" json:"provider"`
	ProviderNativeID string       `gorm:"type:varchar(128)" json:"providerNativeId,omitempty"`
	Lyrics           *string      `gorm:"type:text" json:"lyrics,omitempty"`
	IsPublic         bool         `gorm:"not null;default:false" json:"isPublic"`
	CreatedAt        time.Time    `json:"createdAt"`
}

func (Track) TableName() string { return "tracks" }
