package voice

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// WhisperConfig configures the hosted Whisper transcription endpoint.
type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// Whisper transcribes through the OpenAI audio transcription API, asking for
// verbose JSON so per-segment log probabilities are available.
type Whisper struct {
	client   *openai.Client
	model    string
	language string
}

func NewWhisper(cfg WhisperConfig) (*Whisper, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("whisper: api key is empty")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.Whisper1
	}
	return &Whisper{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: strings.TrimSpace(cfg.Language),
	}, nil
}

func (w *Whisper) Name() string { return "whisper" }

func (w *Whisper) Transcribe(ctx context.Context, in Input) (Transcription, error) {
	started := time.Now()
	if len(in.Data) == 0 {
		return Transcription{}, ErrEmptyAudio
	}
	filename := in.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	lang := in.Language
	if lang == "" {
		lang = w.language
	}
	if lang == "auto" {
		lang = ""
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   bytes.NewReader(in.Data),
		Language: lang,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcription{}, fmt.Errorf("whisper transcription: %w", err)
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       strings.TrimSpace(s.Text),
			AvgLogprob: s.AvgLogprob,
		})
	}
	return finalize(Transcription{
		AudioID:  in.AudioID,
		Text:     resp.Text,
		Language: resp.Language,
		Duration: resp.Duration,
		Segments: segments,
	}, started)
}
