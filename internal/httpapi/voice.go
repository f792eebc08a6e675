package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/pipeline"
	"github.com/ent0n29/confab/internal/voice"
)

type transcribeResponse struct {
	Transcription  voice.Transcription `json:"transcription"`
	AudioID        string              `json:"audio_id"`
	SessionID      string              `json:"session_id,omitempty"`
	AutoSentToChat bool                `json:"auto_sent_to_chat"`
	ChatMessageID  string              `json:"chat_message_id,omitempty"`
	Response       string              `json:"response,omitempty"`
	Metadata       map[string]any      `json:"metadata"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		respondError(w, http.StatusServiceUnavailable, "voice_disabled", "Voice processing is disabled")
		return
	}
	// Multipart framing adds a little on top of the audio itself.
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxUploadBytes)+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "file_too_large", "Audio file is too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "expected multipart form with an audio file")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_audio", "form field audio is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "failed to read audio")
		return
	}

	sessionID := strings.TrimSpace(r.FormValue("session_id"))
	language := strings.TrimSpace(r.FormValue("language"))
	autoSend := s.cfg.AutoSendTranscription
	if raw := strings.TrimSpace(r.FormValue("auto_send")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			autoSend = v
		}
	}

	audio, err := s.deps.Voice.Accept(header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	s.log.Info("audio upload received",
		zap.String("audio_id", audio.ID),
		zap.String("filename", audio.Filename),
		zap.Int("size_bytes", audio.SizeBytes),
		zap.String("session_id", sessionID))

	t, err := s.deps.Voice.Transcribe(r.Context(), audio, data, language)
	if err != nil {
		if errors.Is(err, voice.ErrEmptyTranscription) {
			respondError(w, http.StatusUnprocessableEntity, "empty_transcription", "No speech was recognized")
			return
		}
		s.logFailure(r, err)
		respondError(w, http.StatusServiceUnavailable, "transcription_failed", "Transcription failed")
		return
	}

	resp := transcribeResponse{
		Transcription: t,
		AudioID:       audio.ID,
		SessionID:     sessionID,
		Metadata: map[string]any{
			"original_filename": audio.Filename,
			"processing_time":   t.ProcessingTime,
		},
	}
	if autoSend && sessionID != "" {
		res, err := s.deps.Pipeline.Process(r.Context(), pipeline.Request{SessionID: sessionID, Message: t.Text})
		if err != nil {
			s.log.Warn("auto-sending transcription failed", zap.String("audio_id", audio.ID), zap.Error(err))
		} else {
			s.fanOut(r.Context(), res)
			resp.AutoSentToChat = true
			resp.ChatMessageID = res.UserMessageID
			resp.Response = res.Reply
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		respondError(w, http.StatusServiceUnavailable, "voice_disabled", "Voice processing is disabled")
		return
	}
	st, err := s.deps.Voice.Status(chi.URLParam(r, "audio_id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "audio_not_found", "Audio processing not found")
		return
	}
	respondJSON(w, http.StatusOK, st)
}
