// Package voice validates uploaded audio, transcribes it and tracks the
// processing status of each upload.
package voice

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/confab/internal/apperr"
)

// DefaultMaxUploadBytes caps a single upload at 25 MiB.
const DefaultMaxUploadBytes = 25 << 20

// DefaultSampleRate is used when raw PCM frames arrive without a container.
const DefaultSampleRate = 16000

var allowedContentTypes = map[string]string{
	"audio/wav":   "wav",
	"audio/wave":  "wav",
	"audio/x-wav": "wav",
	"audio/mp3":   "mp3",
	"audio/mpeg":  "mp3",
	"audio/mp4":   "mp4",
	"audio/m4a":   "m4a",
	"audio/ogg":   "ogg",
	"audio/webm":  "webm",
}

var (
	ErrEmptyAudio         = errors.New("audio is empty")
	ErrTooLarge           = errors.New("audio exceeds the upload limit")
	ErrUnsupportedFormat  = errors.New("unsupported audio format")
	ErrMalformedWAVHeader = errors.New("malformed wav header")
)

// AudioFile describes an accepted upload.
type AudioFile struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	ContentType     string    `json:"content_type"`
	SizeBytes       int       `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	SampleRate      int       `json:"sample_rate,omitempty"`
	Channels        int       `json:"channels,omitempty"`
	Format          string    `json:"format"`
	CreatedAt       time.Time `json:"created_at"`
}

// Inspect validates an upload and fills in what can be read from its header.
// Only WAV headers are parsed; other allowed formats are accepted as opaque.
func Inspect(filename, contentType string, data []byte, maxBytes int) (AudioFile, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if len(data) == 0 {
		return AudioFile{}, validation("empty_audio", ErrEmptyAudio)
	}
	if len(data) > maxBytes {
		return AudioFile{}, validation("file_too_large",
			fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), maxBytes))
	}

	ct := normalizeContentType(contentType)
	if ct == "" || ct == "application/octet-stream" {
		ct = Sniff(data)
	}
	format, ok := allowedContentTypes[ct]
	if !ok {
		return AudioFile{}, validation("unsupported_format", fmt.Errorf("%w: %q", ErrUnsupportedFormat, contentType))
	}

	file := AudioFile{
		ID:          uuid.NewString(),
		Filename:    strings.TrimSpace(filename),
		ContentType: ct,
		SizeBytes:   len(data),
		Format:      format,
		CreatedAt:   time.Now().UTC(),
	}
	if file.Filename == "" {
		file.Filename = "audio." + format
	}
	if format == "wav" {
		h, err := ParseWAVHeader(data)
		if err != nil {
			return AudioFile{}, validation("invalid_audio", err)
		}
		file.SampleRate = h.SampleRate
		file.Channels = h.Channels
		file.DurationSeconds = h.Duration().Seconds()
	}
	return file, nil
}

func validation(code string, err error) error {
	return apperr.Wrap(err, apperr.KindValidation, code, err.Error())
}

func normalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if media, _, err := mime.ParseMediaType(ct); err == nil {
		return strings.ToLower(media)
	}
	return strings.ToLower(ct)
}

// Sniff guesses the content type from magic bytes. Unrecognized data is
// reported as application/octet-stream.
func Sniff(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return "audio/wav"
	case len(data) >= 4 && string(data[:4]) == "OggS":
		return "audio/ogg"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "audio/webm"
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return "audio/mpeg"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	case len(data) >= 8 && string(data[4:8]) == "ftyp":
		return "audio/mp4"
	}
	return "application/octet-stream"
}

// WAVHeader holds the fmt and data chunk fields of a PCM WAV stream.
type WAVHeader struct {
	AudioFormat   int
	Channels      int
	SampleRate    int
	BitsPerSample int
	DataSize      int
}

// Duration derives the playback length from the data chunk size.
func (h WAVHeader) Duration() time.Duration {
	bytesPerSecond := h.SampleRate * h.Channels * h.BitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(h.DataSize) / float64(bytesPerSecond) * float64(time.Second))
}

// ParseWAVHeader walks the RIFF chunks up to the data chunk. A data size
// larger than the remaining bytes is clamped, which tolerates streamed
// recordings whose header was written before the length was known.
func ParseWAVHeader(data []byte) (WAVHeader, error) {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVHeader{}, fmt.Errorf("%w: missing RIFF/WAVE signature", ErrMalformedWAVHeader)
	}
	var h WAVHeader
	sawFmt := false
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return WAVHeader{}, fmt.Errorf("%w: short fmt chunk", ErrMalformedWAVHeader)
			}
			h.AudioFormat = int(binary.LittleEndian.Uint16(data[body:]))
			h.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			h.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			sawFmt = true
		case "data":
			if !sawFmt {
				return WAVHeader{}, fmt.Errorf("%w: data chunk before fmt", ErrMalformedWAVHeader)
			}
			h.DataSize = min(size, len(data)-body)
			if h.Channels <= 0 || h.SampleRate <= 0 || h.BitsPerSample <= 0 {
				return WAVHeader{}, fmt.Errorf("%w: invalid format fields", ErrMalformedWAVHeader)
			}
			return h, nil
		}
		pos = body + size + size%2
	}
	return WAVHeader{}, fmt.Errorf("%w: no data chunk", ErrMalformedWAVHeader)
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	dataSize := uint32(len(pcm))
	w := bufio.NewWriter(out)
	write := func(v any) {
		if s, ok := v.(string); ok {
			_, _ = w.WriteString(s)
			return
		}
		_ = binary.Write(w, binary.LittleEndian, v)
	}

	write("RIFF")
	write(uint32(36) + dataSize)
	write("WAVE")
	write("fmt ")
	write(uint32(16))
	write(uint16(audioFormat))
	write(uint16(numChannels))
	write(uint32(sampleRate))
	write(uint32(sampleRate * numChannels * bitsPerSample / 8))
	write(uint16(numChannels * bitsPerSample / 8))
	write(uint16(bitsPerSample))
	write("data")
	write(dataSize)
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// Containerize returns data unchanged when it carries a known container and
// otherwise treats it as raw PCM16LE mono at DefaultSampleRate.
func Containerize(data []byte) ([]byte, string, error) {
	if ct := Sniff(data); ct != "application/octet-stream" {
		return data, ct, nil
	}
	wav, err := EncodeWAVPCM16LE(data, DefaultSampleRate)
	if err != nil {
		return nil, "", err
	}
	return wav, "audio/wav", nil
}
