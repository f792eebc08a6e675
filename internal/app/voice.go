package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/confab/internal/config"
	"github.com/ent0n29/confab/internal/voice"
)

type voiceSetup struct {
	transcriber voice.Transcriber
	resolved    string
	detail      string
}

func resolveTranscriber(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceTranscriber))
	if mode == "" {
		mode = "auto"
	}

	tryWhisper := func() (voiceSetup, bool, error) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return voiceSetup{}, false, nil
		}
		w, err := voice.NewWhisper(voice.WhisperConfig{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			Model:    cfg.WhisperModel,
			Language: cfg.VoiceLanguage,
		})
		if err != nil {
			return voiceSetup{}, false, fmt.Errorf("whisper transcriber init failed: %w", err)
		}
		return voiceSetup{transcriber: w, resolved: "whisper", detail: "whisper " + cfg.WhisperModel}, true, nil
	}
	mock := voiceSetup{transcriber: voice.NewMock(), resolved: "mock", detail: "mock"}

	switch mode {
	case "whisper":
		setup, ok, err := tryWhisper()
		if err != nil {
			return voiceSetup{}, err
		}
		if !ok {
			return voiceSetup{}, fmt.Errorf("VOICE_TRANSCRIBER=whisper but OPENAI_API_KEY is not set")
		}
		return setup, nil
	case "mock":
		return mock, nil
	case "auto":
		setup, ok, err := tryWhisper()
		if err != nil {
			return voiceSetup{}, err
		}
		if !ok {
			mock.detail = "mock (no OPENAI_API_KEY)"
			return mock, nil
		}
		setup.transcriber = voice.NewFailover(setup.transcriber, voice.NewMock())
		setup.detail += " (automatic mock fallback)"
		return setup, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_TRANSCRIBER: %q (expected auto|whisper|mock)", cfg.VoiceTranscriber)
	}
}
