package speech

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// SelectVoice picks the voice to speak with: a voice in language from the
// preferred provider, then any voice in language, then the first voice.
// It reports false when voices is empty.
func SelectVoice(voices []Voice, language, provider string) (Voice, bool) {
	for _, v := range voices {
		if strings.HasPrefix(v.Lang, language) && provider != "" && strings.Contains(v.Name, provider) {
			return v, true
		}
	}
	for _, v := range voices {
		if strings.HasPrefix(v.Lang, language) {
			return v, true
		}
	}
	if len(voices) > 0 {
		return voices[0], true
	}
	return Voice{}, false
}

// VoiceSelector caches the selected voice of an engine. It resolves the
// voice on first use and again only when the engine reports that its voice
// list changed.
type VoiceSelector struct {
	engine   Engine
	language string
	provider string
	logger   *slog.Logger

	mu       sync.RWMutex
	voice    Voice
	selected bool
	resolved bool
}

func NewVoiceSelector(engine Engine, language, provider string, logger *slog.Logger) *VoiceSelector {
	vs := &VoiceSelector{
		engine:   engine,
		language: language,
		provider: provider,
		logger:   logger.With(slog.String("component", "voice-selector")),
	}
	engine.OnVoicesChanged(func() {
		vs.logger.Debug("voice list changed")
		if err := vs.Refresh(context.Background()); err != nil {
			vs.logger.Warn("failed to refresh voices", slogError(err))
		}
	})
	return vs
}

// Resolve returns the cached voice, fetching the voice list the first time.
// An empty voice list leaves the selector unresolved so the next
// voices-changed event or Resolve call tries again.
func (vs *VoiceSelector) Resolve(ctx context.Context) (Voice, bool, error) {
	vs.mu.RLock()
	resolved := vs.resolved
	vs.mu.RUnlock()
	if !resolved {
		if err := vs.Refresh(ctx); err != nil {
			return Voice{}, false, err
		}
	}
	v, ok := vs.Current()
	return v, ok, nil
}

// Refresh re-reads the voice list from the engine and re-selects.
func (vs *VoiceSelector) Refresh(ctx context.Context) error {
	voices, err := vs.engine.Voices(ctx)
	if err != nil {
		return err
	}
	voice, ok := SelectVoice(voices, vs.language, vs.provider)

	vs.mu.Lock()
	vs.voice = voice
	vs.selected = ok
	vs.resolved = len(voices) > 0
	vs.mu.Unlock()

	if ok {
		vs.logger.Info("voice selected", slog.String("voice", voice.Name), slog.String("lang", voice.Lang), slog.Int("available", len(voices)))
	}
	return nil
}

// Current returns the selected voice without touching the engine.
func (vs *VoiceSelector) Current() (Voice, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.voice, vs.selected
}
