package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client to server.
const (
	TypeChatMessage MessageType = "chat_message"
	TypeTyping      MessageType = "typing"
	TypePing        MessageType = "ping"
	TypeFeedback    MessageType = "feedback"
)

// Server to client.
const (
	TypeStatus             MessageType = "status"
	TypeTypingIndicator    MessageType = "typing_indicator"
	TypeNewMessage         MessageType = "new_message"
	TypeError              MessageType = "error"
	TypePong               MessageType = "pong"
	TypeFeedbackAck        MessageType = "feedback_ack"
	TypeVoiceStatus        MessageType = "voice_status"
	TypeVoiceTranscription MessageType = "voice_transcription"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidFrame    = errors.New("invalid frame")
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
}

// New builds an outbound envelope stamped with the current time.
func New(t MessageType, sessionID string, data any) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: time.Now().UTC(), SessionID: sessionID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s data: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// MustNew is New for payload types that always encode.
func MustNew(t MessageType, sessionID string, data any) Envelope {
	env, err := New(t, sessionID, data)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type StatusData struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connection_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

type TypingData struct {
	Typing bool   `json:"typing"`
	UserID string `json:"user_id,omitempty"`
}

type NewMessageData struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Degraded  bool      `json:"degraded,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type PongData struct {
	Timestamp int64 `json:"timestamp"`
}

type FeedbackAckData struct {
	MessageID string `json:"message_id"`
	Score     string `json:"score"`
}

type VoiceStatusData struct {
	Status  string `json:"status"`
	AudioID string `json:"audio_id"`
	Error   string `json:"error,omitempty"`
}

type VoiceTranscriptionData struct {
	AudioID    string  `json:"audio_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Duration   float64 `json:"duration"`
}

// Parsed client frames.

type ChatMessage struct {
	SessionID     string
	Message       string
	ContextLength int
}

type Typing struct {
	SessionID string
	Typing    bool
}

type Ping struct {
	SessionID string
}

type Feedback struct {
	SessionID string
	MessageID string
	Score     string
}

// ParseClientMessage decodes one client frame into ChatMessage, Typing, Ping
// or Feedback. Unknown types yield ErrUnsupportedType.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	sessionID := strings.TrimSpace(env.SessionID)

	switch env.Type {
	case TypeChatMessage:
		var data struct {
			Message       string `json:"message"`
			Content       string `json:"content"`
			ContextLength int    `json:"context_length"`
		}
		if err := env.DecodeData(&data); err != nil {
			return nil, fmt.Errorf("%w: chat_message: %v", ErrInvalidFrame, err)
		}
		text := data.Message
		if text == "" {
			text = data.Content
		}
		return ChatMessage{SessionID: sessionID, Message: text, ContextLength: data.ContextLength}, nil
	case TypeTyping:
		var data struct {
			Typing bool `json:"typing"`
		}
		if err := env.DecodeData(&data); err != nil {
			return nil, fmt.Errorf("%w: typing: %v", ErrInvalidFrame, err)
		}
		return Typing{SessionID: sessionID, Typing: data.Typing}, nil
	case TypePing:
		return Ping{SessionID: sessionID}, nil
	case TypeFeedback:
		var data struct {
			MessageID string `json:"message_id"`
			Score     string `json:"score"`
		}
		if err := env.DecodeData(&data); err != nil {
			return nil, fmt.Errorf("%w: feedback: %v", ErrInvalidFrame, err)
		}
		if strings.TrimSpace(data.MessageID) == "" {
			return nil, fmt.Errorf("%w: feedback requires message_id", ErrInvalidFrame)
		}
		return Feedback{SessionID: sessionID, MessageID: data.MessageID, Score: data.Score}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}
