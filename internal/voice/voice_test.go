package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/confab/internal/apperr"
)

func oneSecondWAV(t *testing.T) []byte {
	t.Helper()
	wav, err := EncodeWAVPCM16LE(make([]byte, DefaultSampleRate*2), DefaultSampleRate)
	require.NoError(t, err)
	return wav
}

func TestInspectReadsWAVHeader(t *testing.T) {
	file, err := Inspect("clip.wav", "audio/wav", oneSecondWAV(t), 0)
	require.NoError(t, err)
	require.Equal(t, "wav", file.Format)
	require.Equal(t, DefaultSampleRate, file.SampleRate)
	require.Equal(t, 1, file.Channels)
	require.InDelta(t, 1.0, file.DurationSeconds, 0.001)
	require.NotEmpty(t, file.ID)
}

func TestInspectRejectsBadUploads(t *testing.T) {
	wav := oneSecondWAV(t)
	cases := map[string]struct {
		contentType string
		data        []byte
		max         int
		code        string
	}{
		"empty":        {"audio/wav", nil, 0, "empty_audio"},
		"too large":    {"audio/wav", wav, 100, "file_too_large"},
		"unsupported":  {"video/quicktime", wav, 0, "unsupported_format"},
		"broken wav":   {"audio/wav", []byte("RIFF0000WAVEjunk"), 0, "invalid_audio"},
		"not riff wav": {"audio/x-wav", []byte("hello world, plain text"), 0, "invalid_audio"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Inspect("x", tc.contentType, tc.data, tc.max)
			require.Error(t, err)
			require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			var e *apperr.Error
			require.True(t, errors.As(err, &e))
			require.Equal(t, tc.code, e.Code)
		})
	}
}

func TestInspectSniffsMissingContentType(t *testing.T) {
	file, err := Inspect("", "", []byte("OggS\x00\x02rest-of-page"), 0)
	require.NoError(t, err)
	require.Equal(t, "audio/ogg", file.ContentType)
	require.Equal(t, "audio.ogg", file.Filename)

	file, err = Inspect("a.webm", "audio/webm; codecs=opus", []byte{0x1A, 0x45, 0xDF, 0xA3, 1}, 0)
	require.NoError(t, err)
	require.Equal(t, "webm", file.Format)
}

func TestContainerizeWrapsRawPCM(t *testing.T) {
	wav := oneSecondWAV(t)
	out, ct, err := Containerize(wav)
	require.NoError(t, err)
	require.Equal(t, "audio/wav", ct)
	require.Equal(t, wav, out)

	out, ct, err = Containerize([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, "audio/wav", ct)
	h, err := ParseWAVHeader(out)
	require.NoError(t, err)
	require.Equal(t, 4, h.DataSize)
}

func TestConfidenceIsDurationWeighted(t *testing.T) {
	c, ok := Confidence([]Segment{
		{Start: 0, End: 3, AvgLogprob: -0.2}, // 0.8
		{Start: 3, End: 4, AvgLogprob: -2},   // clamped to 0
		{Start: 4, End: 4, AvgLogprob: 0},    // zero length, ignored
	})
	require.True(t, ok)
	require.InDelta(t, 0.6, c, 1e-9)

	c, ok = Confidence([]Segment{{Start: 0, End: 1, AvgLogprob: 0.5}})
	require.True(t, ok)
	require.Equal(t, 1.0, c)

	_, ok = Confidence(nil)
	require.False(t, ok)
}

func TestWhisperParsesVerboseJSON(t *testing.T) {
	var gotModel, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/audio/transcriptions"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotModel = r.FormValue("model")
		gotFormat = r.FormValue("response_format")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"task":     "transcribe",
			"language": "english",
			"duration": 2.0,
			"text":     "  hello there  ",
			"segments": []map[string]any{
				{"id": 0, "start": 0.0, "end": 1.0, "text": "hello", "avg_logprob": -0.1},
				{"id": 1, "start": 1.0, "end": 2.0, "text": "there", "avg_logprob": -0.3},
			},
		})
	}))
	defer srv.Close()

	w, err := NewWhisper(WhisperConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	tr, err := w.Transcribe(context.Background(), Input{AudioID: "a1", Data: oneSecondWAV(t)})
	require.NoError(t, err)
	require.Equal(t, "whisper-1", gotModel)
	require.Equal(t, "verbose_json", gotFormat)
	require.Equal(t, "hello there", tr.Text)
	require.Equal(t, "a1", tr.AudioID)
	require.Len(t, tr.Segments, 2)
	require.NotNil(t, tr.Confidence)
	require.InDelta(t, 0.8, *tr.Confidence, 1e-9)
}

func TestWhisperRequiresKey(t *testing.T) {
	_, err := NewWhisper(WhisperConfig{})
	require.Error(t, err)
}

type stubTranscriber struct {
	name  string
	err   error
	calls int
}

func (s *stubTranscriber) Name() string { return s.name }

func (s *stubTranscriber) Transcribe(_ context.Context, in Input) (Transcription, error) {
	s.calls++
	if s.err != nil {
		return Transcription{}, s.err
	}
	return Transcription{AudioID: in.AudioID, Text: s.name}, nil
}

func TestFailoverStaysOnFallbackUntilItFails(t *testing.T) {
	primary := &stubTranscriber{name: "primary", err: errors.New("down")}
	fallback := &stubTranscriber{name: "fallback"}
	f := NewFailover(primary, fallback)
	ctx := context.Background()

	tr, err := f.Transcribe(ctx, Input{Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, "fallback", tr.Text)
	require.Equal(t, "fallback", f.Name())

	primary.err = nil
	tr, err = f.Transcribe(ctx, Input{Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, "fallback", tr.Text)
	require.Equal(t, 1, primary.calls)

	fallback.err = errors.New("also down")
	tr, err = f.Transcribe(ctx, Input{Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, "primary", tr.Text)
	require.Equal(t, "primary", f.Name())
}

func TestStatusTrackerLifecycleAndExpiry(t *testing.T) {
	tracker := NewStatusTracker(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	tracker.Update("a", StatusUploaded, 0, "", "")
	s := tracker.Update("a", StatusProcessing, 150, "", "")
	require.Equal(t, 100.0, s.Progress)
	require.NotNil(t, s.StartedAt)

	now = now.Add(2 * time.Second)
	s = tracker.Update("a", StatusCompleted, 100, "", "")
	require.NotNil(t, s.CompletedAt)
	require.InDelta(t, 2.0, s.ProcessingTime, 1e-9)

	got, err := tracker.Get("a")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	now = now.Add(time.Minute)
	_, err = tracker.Get("a")
	require.ErrorIs(t, err, ErrStatusNotFound)
	require.Equal(t, 1, tracker.expire())
	require.Equal(t, 0, tracker.Len())
}

func TestServiceRecordsFailure(t *testing.T) {
	svc := NewService(&stubTranscriber{name: "s", err: errors.New("boom")}, nil, ServiceConfig{}, nil)
	file, err := svc.Accept("a.wav", "audio/wav", oneSecondWAV(t))
	require.NoError(t, err)

	st, err := svc.Status(file.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUploaded, st.Status)

	_, err = svc.Transcribe(context.Background(), file, oneSecondWAV(t), "")
	require.Error(t, err)
	st, err = svc.Status(file.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, st.Status)
	require.Equal(t, "boom", st.Error)
}

func TestServiceWithMockTranscriber(t *testing.T) {
	svc := NewService(NewMock(), nil, ServiceConfig{}, nil)
	wav := oneSecondWAV(t)
	file, err := svc.Accept("a.wav", "audio/wav", wav)
	require.NoError(t, err)

	tr, err := svc.Transcribe(context.Background(), file, wav, "auto")
	require.NoError(t, err)
	require.Equal(t, "simulated voice input", tr.Text)
	require.Equal(t, "en", tr.Language)
	require.InDelta(t, 1.0, tr.Duration, 0.001)
	require.NotNil(t, tr.Confidence)
	require.InDelta(t, 0.7, *tr.Confidence, 1e-9)

	st, err := svc.Status(file.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)
	require.Equal(t, 100.0, st.Progress)
}
