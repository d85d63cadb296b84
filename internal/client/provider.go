package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TaskKind is the kind of work submitted to a provider.
type TaskKind string

const (
	TaskGenerate        TaskKind = "generate"
	TaskExtend          TaskKind = "extend"
	TaskVocalSeparation TaskKind = "vocal_separation"
	TaskWavConversion   TaskKind = "wav_conversion"
)

// SubmitRequest carries everything a provider may need for any task kind.
// Stage requests reference the base generation through SourceTaskID and
// SourceAudioID.
type SubmitRequest struct {
	Kind            TaskKind
	Prompt          string
	Style           string
	Title           string
	Lyrics          string
	Instrumental    bool
	Model           string
	DurationSeconds int

	SourceTaskID  string
	SourceAudioID string
	ContinueAt    float64
}

// Artifact is the provider output of a finished task.
type Artifact struct {
	ProviderNativeID string  `json:"providerNativeId,omitempty"`
	AudioURL         string  `json:"audioUrl,omitempty"`
	ArtworkURL       string  `json:"artworkUrl,omitempty"`
	DurationSeconds  float64 `json:"durationSeconds,omitempty"`
	Title            string  `json:"title,omitempty"`
	Tags             string  `json:"tags,omitempty"`
	Lyrics           string  `json:"lyrics,omitempty"`
	VocalURL         string  `json:"vocalUrl,omitempty"`
	InstrumentalURL  string  `json:"instrumentalUrl,omitempty"`
	WavURL           string  `json:"wavUrl,omitempty"`
}

// PollStatus is the normalized provider task state.
type PollStatus string

const (
	PollPending   PollStatus = "pending"
	PollSucceeded PollStatus = "succeeded"
	PollFailed    PollStatus = "failed"
)

// PollResult is one status check. Artifact is set only when succeeded,
// Reason only when failed.
type PollResult struct {
	Status   PollStatus
	Artifact *Artifact
	Reason   string
}

// Provider is the capability every generation backend exposes.
// Callers resolve one from a Registry and never branch on its identity.
type Provider interface {
	Name() string
	Supports(kind TaskKind) bool
	Submit(ctx context.Context, req *SubmitRequest) (string, error)
	Poll(ctx context.Context, kind TaskKind, taskID string) (*PollResult, error)
}

// Registry resolves providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, ErrUnknownProvider)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
