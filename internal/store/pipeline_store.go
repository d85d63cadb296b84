package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
)

// PipelineStore persists PipelineJob rows and their steps.
type PipelineStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineStore(db *gorm.DB, baseLog *logger.Logger) *PipelineStore {
	return &PipelineStore{
		db:  db,
		log: baseLog.With("repo", "PipelineStore"),
	}
}

// Create inserts the pipeline together with its step list.
func (s *PipelineStore) Create(ctx context.Context, p *model.PipelineJob) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		steps := p.Steps
		p.Steps = nil
		if err := tx.Create(p).Error; err != nil {
			p.Steps = steps
			return err
		}
		for i := range steps {
			steps[i].PipelineID = p.ID
		}
		p.Steps = steps
		if len(steps) == 0 {
			return nil
		}
		return tx.Create(&p.Steps).Error
	})
}

// Get loads the pipeline with steps ordered by position.
func (s *PipelineStore) Get(ctx context.Context, id string) (*model.PipelineJob, error) {
	var p model.PipelineJob
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&p, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// Update is the pipeline counterpart of JobStore.Update. Steps are not
// written; use UpdateStep.
func (s *PipelineStore) Update(ctx context.Context, p *model.PipelineJob, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["revision"] = p.Revision + 1
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = now()
	}

	res := s.db.WithContext(ctx).
		Model(&model.PipelineJob{}).
		Where("id = ? AND revision = ?", p.ID, p.Revision).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}

	fresh, err := s.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	*p = *fresh
	return nil
}

// UpdateStep writes one step. Only the pipeline runner writes steps.
func (s *PipelineStore) UpdateStep(ctx context.Context, step *model.PipelineStep, updates map[string]interface{}) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = now()
	}
	res := s.db.WithContext(ctx).
		Model(&model.PipelineStep{}).
		Where("id = ?", step.ID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return notFound(s.db.WithContext(ctx).First(step, "id = ?", step.ID).Error)
}

// Touch bumps updated_at so the reaper sees the pipeline as alive.
func (s *PipelineStore) Touch(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&model.PipelineJob{}).
		Where("id = ? AND status IN ?", id, model.ActiveJobStatuses).
		UpdateColumn("updated_at", now()).Error
}

func (s *PipelineStore) FindStepByProviderTaskID(ctx context.Context, taskID string) (*model.PipelineStep, error) {
	var step model.PipelineStep
	if err := s.db.WithContext(ctx).First(&step, "provider_task_id = ?", taskID).Error; err != nil {
		return nil, notFound(err)
	}
	return &step, nil
}

func (s *PipelineStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.PipelineJob, error) {
	var out []model.PipelineJob
	q := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", model.ActiveJobStatuses, cutoff.UTC()).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PipelineStore) FailIfStale(ctx context.Context, id string, cutoff time.Time, reason string) (bool, error) {
	ts := now()
	res := s.db.WithContext(ctx).
		Model(&model.PipelineJob{}).
		Where("id = ? AND status IN ? AND updated_at < ?", id, model.ActiveJobStatuses, cutoff.UTC()).
		Updates(map[string]interface{}{
			"status":        model.JobStatusFailed,
			"error_message": reason,
			"completed_at":  ts,
			"updated_at":    ts,
			"revision":      gorm.Expr("revision + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
