package voice

import (
	"context"

	"go.uber.org/zap"
)

// Service validates uploads, runs the transcriber and keeps status current.
type Service struct {
	transcriber Transcriber
	statuses    *StatusTracker
	maxBytes    int
	language    string
	logger      *zap.Logger
}

type ServiceConfig struct {
	MaxUploadBytes int
	Language       string
}

func NewService(t Transcriber, statuses *StatusTracker, cfg ServiceConfig, logger *zap.Logger) *Service {
	if statuses == nil {
		statuses = NewStatusTracker(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transcriber: t,
		statuses:    statuses,
		maxBytes:    cfg.MaxUploadBytes,
		language:    cfg.Language,
		logger:      logger,
	}
}

func (s *Service) TranscriberName() string { return s.transcriber.Name() }

// Accept validates an upload and records it as uploaded.
func (s *Service) Accept(filename, contentType string, data []byte) (AudioFile, error) {
	file, err := Inspect(filename, contentType, data, s.maxBytes)
	if err != nil {
		return AudioFile{}, err
	}
	s.statuses.Update(file.ID, StatusUploaded, 0, "", "")
	return file, nil
}

// Transcribe runs an accepted upload through the transcriber.
func (s *Service) Transcribe(ctx context.Context, file AudioFile, data []byte, language string) (Transcription, error) {
	s.statuses.Update(file.ID, StatusProcessing, 25, "transcribing", "")
	if language == "" {
		language = s.language
	}
	t, err := s.transcriber.Transcribe(ctx, Input{
		AudioID:  file.ID,
		Filename: file.Filename,
		Data:     data,
		Language: language,
	})
	if err != nil {
		s.statuses.Update(file.ID, StatusFailed, 0, "", err.Error())
		s.logger.Warn("transcription failed",
			zap.String("audio_id", file.ID),
			zap.String("transcriber", s.transcriber.Name()),
			zap.Error(err),
		)
		return Transcription{}, err
	}
	if t.Duration == 0 {
		t.Duration = file.DurationSeconds
	}
	s.statuses.Update(file.ID, StatusCompleted, 100, "", "")
	s.logger.Info("transcription completed",
		zap.String("audio_id", file.ID),
		zap.Int("text_length", len(t.Text)),
		zap.Float64("processing_time", t.ProcessingTime),
	)
	return t, nil
}

// Fail marks an accepted upload as failed before transcription started.
func (s *Service) Fail(audioID, reason string) {
	s.statuses.Update(audioID, StatusFailed, 0, "", reason)
}

func (s *Service) Status(audioID string) (ProcessingStatus, error) {
	return s.statuses.Get(audioID)
}
