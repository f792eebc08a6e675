package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageChat(t *testing.T) {
	raw := []byte(`{"type":"chat_message","session_id":" s1 ","data":{"message":"hello","context_length":5}}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	chat, ok := msg.(ChatMessage)
	if !ok {
		t.Fatalf("message type = %T, want ChatMessage", msg)
	}
	if chat.SessionID != "s1" || chat.Message != "hello" || chat.ContextLength != 5 {
		t.Fatalf("unexpected chat message: %+v", chat)
	}
}

func TestParseClientMessageChatContentAlias(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"chat_message","data":{"content":"hi"}}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if got := msg.(ChatMessage).Message; got != "hi" {
		t.Fatalf("Message = %q, want %q", got, "hi")
	}
}

func TestParseClientMessageTypingAndPing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"typing","session_id":"s1","data":{"typing":true}}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if typing := msg.(Typing); !typing.Typing || typing.SessionID != "s1" {
		t.Fatalf("unexpected typing: %+v", typing)
	}

	msg, err = ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(Ping); !ok {
		t.Fatalf("message type = %T, want Ping", msg)
	}
}

func TestParseClientMessageFeedback(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"feedback","session_id":"s1","data":{"message_id":"m1","score":"bad"}}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	fb := msg.(Feedback)
	if fb.MessageID != "m1" || fb.Score != "bad" {
		t.Fatalf("unexpected feedback: %+v", fb)
	}

	_, err = ParseClientMessage([]byte(`{"type":"feedback","data":{"score":"bad"}}`))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("error = %v, want ErrInvalidFrame", err)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"type":"typing","data":"yes"}`} {
		if _, err := ParseClientMessage([]byte(raw)); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrInvalidFrame", raw, err)
		}
	}
}

func TestNewEnvelopeEncodesData(t *testing.T) {
	env := MustNew(TypeStatus, "s1", StatusData{Status: "connected", ConnectionID: "c1"})
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	var data StatusData
	if err := back.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if back.Type != TypeStatus || back.SessionID != "s1" || data.ConnectionID != "c1" {
		t.Fatalf("round trip = %+v / %+v", back, data)
	}
	if back.Timestamp.IsZero() {
		t.Fatal("Timestamp is zero")
	}
}
