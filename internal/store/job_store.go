package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
)

// JobStore persists GenerationJob rows. Every write is scoped to one id.
type JobStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobStore(db *gorm.DB, baseLog *logger.Logger) *JobStore {
	return &JobStore{
		db:  db,
		log: baseLog.With("repo", "JobStore"),
	}
}

func (s *JobStore) Create(ctx context.Context, job *model.GenerationJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *JobStore) Get(ctx context.Context, id string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// FindActiveByFingerprint returns the newest non-terminal job of owner with
// the given params fingerprint.
func (s *JobStore) FindActiveByFingerprint(ctx context.Context, ownerID, fingerprint string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND fingerprint = ? AND status IN ?", ownerID, fingerprint, model.ActiveJobStatuses).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (s *JobStore) FindByProviderTaskID(ctx context.Context, taskID string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	if err := s.db.WithContext(ctx).First(&job, "provider_task_id = ?", taskID).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// Update applies updates if the row still carries job.Revision, bumps the
// revision and reloads job. A concurrent write yields ErrVersionConflict and
// leaves job untouched.
func (s *JobStore) Update(ctx context.Context, job *model.GenerationJob, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["revision"] = job.Revision + 1
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = now()
	}

	res := s.db.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("id = ? AND revision = ?", job.ID, job.Revision).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return notFound(s.db.WithContext(ctx).First(job, "id = ?", job.ID).Error)
}

// ListStale returns active jobs whose last write is older than cutoff.
func (s *JobStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.GenerationJob, error) {
	var out []model.GenerationJob
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

// FailIfStale fails the job only if it is still active and still older than
// cutoff at write time. It reports whether the row was changed.
func (s *JobStore) FailIfStale(ctx context.Context, id string, cutoff time.Time, reason string) (bool, error) {
	ts := now()
	res := s.db.WithContext(ctx).
		Model(&model.GenerationJob{}).
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

// List returns the newest jobs, optionally filtered by status.
func (s *JobStore) List(ctx context.Context, status model.JobStatus, limit int) ([]model.GenerationJob, error) {
	var out []model.GenerationJob
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
