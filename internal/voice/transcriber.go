package voice

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrEmptyTranscription is returned when the backend heard nothing usable.
var ErrEmptyTranscription = errors.New("transcription is empty")

// Input is one audio payload to transcribe.
type Input struct {
	AudioID  string
	Filename string
	Data     []byte
	// Language is an ISO-639-1 hint. Empty or "auto" lets the backend detect it.
	Language string
}

// Segment is a timed span of recognized speech.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
}

// Transcription is the result of a successful speech-to-text call.
type Transcription struct {
	AudioID        string    `json:"audio_id"`
	Text           string    `json:"text"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Language       string    `json:"language,omitempty"`
	Duration       float64   `json:"duration,omitempty"`
	Segments       []Segment `json:"segments,omitempty"`
	ProcessingTime float64   `json:"processing_time"`
	Timestamp      time.Time `json:"timestamp"`
}

// Transcriber converts speech to text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, in Input) (Transcription, error)
}

// Confidence is the duration-weighted mean of clamp(avg_logprob+1, 0, 1)
// over segments. ok is false when no segment has a positive duration.
func Confidence(segments []Segment) (float64, bool) {
	var total, weight float64
	for _, s := range segments {
		d := s.End - s.Start
		if d <= 0 {
			continue
		}
		c := s.AvgLogprob + 1
		if c < 0 {
			c = 0
		} else if c > 1 {
			c = 1
		}
		total += c * d
		weight += d
	}
	if weight == 0 {
		return 0, false
	}
	return total / weight, true
}

func finalize(t Transcription, started time.Time) (Transcription, error) {
	t.Text = strings.TrimSpace(t.Text)
	if t.Text == "" {
		return Transcription{}, ErrEmptyTranscription
	}
	if t.Confidence == nil {
		if c, ok := Confidence(t.Segments); ok {
			t.Confidence = &c
		}
	}
	t.ProcessingTime = time.Since(started).Seconds()
	t.Timestamp = time.Now().UTC()
	return t, nil
}

// Mock answers with a fixed phrase so the voice path works without credentials.
type Mock struct {
	Text string
}

func NewMock() *Mock { return &Mock{Text: "simulated voice input"} }

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Transcribe(ctx context.Context, in Input) (Transcription, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return Transcription{}, err
	}
	if len(in.Data) == 0 {
		return Transcription{}, ErrEmptyAudio
	}
	var duration float64
	if h, err := ParseWAVHeader(in.Data); err == nil {
		duration = h.Duration().Seconds()
	}
	lang := in.Language
	if lang == "" || lang == "auto" {
		lang = "en"
	}
	return finalize(Transcription{
		AudioID:  in.AudioID,
		Text:     m.Text,
		Language: lang,
		Duration: duration,
		Segments: []Segment{{Start: 0, End: max(duration, 1), Text: m.Text, AvgLogprob: -0.3}},
	}, started)
}
