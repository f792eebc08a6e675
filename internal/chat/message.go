// Package chat holds the conversation data model shared by storage, providers
// and transports.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MaxContentRunes bounds the length of a single message.
const MaxContentRunes = 4000

var (
	ErrEmptyContent   = errors.New("message content cannot be empty")
	ErrContentTooLong = fmt.Errorf("message content exceeds %d characters", MaxContentRunes)
	ErrInvalidRole    = errors.New("invalid message role")
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one turn of a conversation.
type Message struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Role      Role           `json:"role"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage validates content and role and stamps a fresh id and UTC time.
func NewMessage(sessionID string, role Role, content string) (Message, error) {
	content, err := NormalizeContent(content)
	if err != nil {
		return Message{}, err
	}
	if !role.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      role,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}, nil
}

// NormalizeContent trims surrounding whitespace and enforces length bounds.
func NormalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", ErrContentTooLong
	}
	return content, nil
}

// Validate checks a message loaded from an external source.
func (m Message) Validate() error {
	if _, err := NormalizeContent(m.Content); err != nil {
		return err
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	return nil
}

// Preview returns at most n runes of s.
func Preview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
