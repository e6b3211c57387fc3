// Package tts synthesizes speech audio on the server. When no engine can
// produce audio the caller is told to use the client's own synthesizer.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"serenity/companion/internal/logging"
	"serenity/companion/internal/speech"
)

var ErrNotConfigured = errors.New("tts engine not configured")

// Engine renders text to encoded audio.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, text string) (speech.Audio, error)
}

// Service tries engines in order. It implements speech.Remote.
type Service struct {
	engines []Engine
	log     logging.Logger
}

func NewService(engines ...Engine) *Service {
	s := &Service{log: logging.With("component", "tts")}
	for _, e := range engines {
		if e != nil {
			s.engines = append(s.engines, e)
		}
	}
	return s
}

func (s *Service) Engines() []string {
	out := make([]string, 0, len(s.engines))
	for _, e := range s.engines {
		out = append(out, e.Name())
	}
	return out
}

// Synthesize returns audio from the first engine that succeeds, or an error
// wrapping speech.ErrUseFallback.
func (s *Service) Synthesize(ctx context.Context, text string) (speech.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return speech.Audio{}, fmt.Errorf("empty text: %w", speech.ErrUseFallback)
	}
	var errs []error
	for _, e := range s.engines {
		started := time.Now()
		audio, err := e.Synthesize(ctx, text)
		ttsTotalDurationMS.WithLabelValues(e.Name()).Observe(float64(time.Since(started).Milliseconds()))
		if err == nil && len(audio.Data) > 0 {
			ttsSynthesisTotal.WithLabelValues(e.Name(), "ok").Inc()
			ttsAudioBytes.Observe(float64(len(audio.Data)))
			return audio, nil
		}
		if err == nil {
			err = errors.New("no audio")
		}
		if errors.Is(err, ErrNotConfigured) {
			continue
		}
		ttsSynthesisTotal.WithLabelValues(e.Name(), "error").Inc()
		s.log.Warnw("tts: engine failed", "engine", e.Name(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return speech.Audio{}, fmt.Errorf("%w: %w", speech.ErrUseFallback, errors.Join(errs...))
}
