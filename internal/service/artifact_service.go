package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/store"
)

// ArtifactService turns provider output into durable Track rows, copying the
// audio into object storage when a StorageClient is configured.
type ArtifactService struct {
	tracks  *store.TrackStore
	storage client.StorageClient
	log     *logger.Logger
}

// NewArtifactService accepts a nil storage; provider URLs are then kept as-is.
func NewArtifactService(tracks *store.TrackStore, storage client.StorageClient, log *logger.Logger) *ArtifactService {
	return &ArtifactService{
		tracks:  tracks,
		storage: storage,
		log:     log.With("component", "ArtifactService"),
	}
}

// Persist creates the Track for a finished job. Calling it twice for the same
// job returns the first track.
func (s *ArtifactService) Persist(ctx context.Context, job *model.GenerationJob, params model.GenerationParams, a *client.Artifact) (*model.Track, error) {
	if a == nil || a.AudioURL == "" {
		return nil, fmt.Errorf("artifact without audio: %w", ErrTrackNotPersisted)
	}

	existing, err := s.tracks.GetByJobID(ctx, job.ID)
	if err == nil {
		return existing, nil
	}

	prefix := fmt.Sprintf("tracks/%s/%s", job.OwnerID, job.ID)
	audio := s.Mirror(ctx, prefix+extOf(a.AudioURL, ".mp3"), a.AudioURL)
	artwork := ""
	if a.ArtworkURL != "" {
		artwork = s.Mirror(ctx, prefix+extOf(a.ArtworkURL, ".jpg"), a.ArtworkURL)
	}

	title := a.Title
	if title == "" {
		title = params.Title
	}
	if title == "" {
		title = "Untitled"
	}
	genre := params.Style
	if a.Tags != "" {
		genre = a.Tags
	}

	track := &model.Track{
		ID:               uuid.New().String(),
		OwnerID:          job.OwnerID,
		JobID:            job.ID,
		Title:            truncate(title, 255),
		DurationSeconds:  a.DurationSeconds,
		AudioLocation:    audio,
		ArtworkLocation:  artwork,
		Genre:            truncate(genre, 128),
		Provider:         job.Provider,
		ProviderNativeID: a.ProviderNativeID,
	}
	lyrics := a.Lyrics
	if lyrics == "" {
		lyrics = params.Lyrics
	}
	lyrics = strings.ToValidUTF8(lyrics, "")
	if lyrics != "" {
		track.Lyrics = &lyrics
	}

	saved, err := s.tracks.Create(ctx, track)
	if err != nil {
		return nil, fmt.Errorf("failed to save track: %w", err)
	}
	return saved, nil
}

// Mirror copies sourceURL into storage under key and returns the stored
// location. On any failure the provider URL is returned unchanged.
func (s *ArtifactService) Mirror(ctx context.Context, key, sourceURL string) string {
	if s.storage == nil || sourceURL == "" {
		return sourceURL
	}
	location, err := s.storage.Mirror(ctx, key, sourceURL)
	if err != nil {
		s.log.Warn("mirror failed, keeping provider url", "key", key, "error", err)
		return sourceURL
	}
	return location
}

func extOf(rawURL, fallback string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	ext := path.Ext(rawURL)
	if ext == "" || len(ext) > 5 {
		return fallback
	}
	return ext
}

// truncate cuts s to at most n bytes on a rune boundary and drops any
// invalid UTF-8 so the value is safe for a text column.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
