package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
)

type TrackStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTrackStore(db *gorm.DB, baseLog *logger.Logger) *TrackStore {
	return &TrackStore{
		db:  db,
		log: baseLog.With("repo", "TrackStore"),
	}
}

// Create inserts track unless one already exists for its job, in which case
// the existing row is returned. A job produces at most one track.
func (s *TrackStore) Create(ctx context.Context, track *model.Track) (*model.Track, error) {
	existing, err := s.GetByJobID(ctx, track.JobID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(track).Error; err != nil {
		return nil, err
	}
	return track, nil
}

func (s *TrackStore) Get(ctx context.Context, id string) (*model.Track, error) {
	var track model.Track
	if err := s.db.WithContext(ctx).First(&track, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &track, nil
}

func (s *TrackStore) GetByJobID(ctx context.Context, jobID string) (*model.Track, error) {
	var track model.Track
	if err := s.db.WithContext(ctx).First(&track, "job_id = ?", jobID).Error; err != nil {
		return nil, notFound(err)
	}
	return &track, nil
}
