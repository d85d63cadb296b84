package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
)

// StyleService refines prompts, writes lyrics and sharpens style tags with
// an LLM. Every method falls back to the input when the LLM is unavailable
// or fails; refinement is never fatal to a job.
type StyleService struct {
	llm     client.ChatCompleter
	enabled bool
	log     *logger.Logger
}

func NewStyleService(llm client.ChatCompleter, enabled bool, log *logger.Logger) *StyleService {
	return &StyleService{
		llm:     llm,
		enabled: enabled,
		log:     log.With("component", "StyleService"),
	}
}

func (s *StyleService) active() bool {
	return s != nil && s.enabled && s.llm != nil && s.llm.IsConfigured()
}

const systemPrompt = `You are a professional music producer and songwriter.
You help turn rough ideas into precise instructions for an AI music generator.
Answer with the requested text only. No preamble, no quotes, no markdown.`

// RefinePrompt rewrites the song description into a vivid generator prompt.
func (s *StyleService) RefinePrompt(ctx context.Context, p model.GenerationParams) string {
	if !s.active() {
		return p.Prompt
	}
	user := fmt.Sprintf(`Rewrite this song idea as a single vivid description for a music generator, at most 400 characters.
Idea: %s
Style: %s`, p.Prompt, p.Style)
	return s.complete(ctx, "prompt", user, p.Prompt, 400)
}

// WriteLyrics returns lyrics for a vocal track, or "" when none could be
// written (the provider then writes its own).
func (s *StyleService) WriteLyrics(ctx context.Context, p model.GenerationParams) string {
	if p.Instrumental || p.Lyrics != "" {
		return p.Lyrics
	}
	if !s.active() {
		return ""
	}
	user := fmt.Sprintf(`Write short song lyrics with [Verse], [Chorus] and [Bridge] section tags.
Keep it under 1500 characters.
Song idea: %s
Style: %s
Title: %s`, p.Prompt, p.Style, p.Title)
	return s.complete(ctx, "lyrics", user, "", 3000)
}

// RefineStyle returns a comma separated list of genre, mood and
// instrumentation tags.
func (s *StyleService) RefineStyle(ctx context.Context, p model.GenerationParams) string {
	if !s.active() {
		return p.Style
	}
	user := fmt.Sprintf(`Give a comma separated list of at most 8 style tags (genre, mood, instruments, tempo) for this song.
Idea: %s
Requested style: %s`, p.Prompt, p.Style)
	return s.complete(ctx, "style", user, p.Style, 200)
}

func (s *StyleService) complete(ctx context.Context, what, user, fallback string, maxLen int) string {
	out, err := s.llm.ChatCompletion(ctx, systemPrompt, user)
	if err != nil {
		s.log.Warn("refinement failed, keeping input", "what", what, "error", err)
		return fallback
	}
	out = strings.Trim(strings.TrimSpace(out), `"`)
	if out == "" {
		return fallback
	}
	return truncate(out, maxLen)
}
