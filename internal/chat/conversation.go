package chat

import "time"

// PreviewRunes is the length of ConversationSummary.LastMessagePreview.
const PreviewRunes = 100

type Conversation struct {
	SessionID string         `json:"session_id"`
	Messages  []Message      `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ConversationSummary struct {
	SessionID          string    `json:"session_id"`
	Title              string    `json:"title,omitempty"`
	MessageCount       int       `json:"message_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
}

func NewConversation(sessionID string, now time.Time) *Conversation {
	return &Conversation{
		SessionID: sessionID,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *Conversation) MessageCount() int { return len(c.Messages) }

// Append adds msg and keeps only the newest retention messages when
// retention is positive. UpdatedAt never moves backwards.
func (c *Conversation) Append(msg Message, retention int) {
	c.Messages = append(c.Messages, msg)
	if retention > 0 && len(c.Messages) > retention {
		trimmed := make([]Message, retention)
		copy(trimmed, c.Messages[len(c.Messages)-retention:])
		c.Messages = trimmed
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if ts.After(c.UpdatedAt) {
		c.UpdatedAt = ts
	}
}

// Last returns the newest message and whether there is one.
func (c *Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

func (c *Conversation) Summary() ConversationSummary {
	s := ConversationSummary{
		SessionID:    c.SessionID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	if last, ok := c.Last(); ok {
		s.LastMessagePreview = Preview(last.Content, PreviewRunes)
	}
	return s
}

// Clone returns a deep enough copy for callers to mutate freely.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Page returns a window of messages counted from the newest end. offset skips
// that many newest messages and limit caps the window. The result is in
// chronological order.
func Page(messages []Message, limit, offset int) []Message {
	if offset < 0 {
		offset = 0
	}
	end := len(messages) - offset
	if end <= 0 {
		return []Message{}
	}
	start := 0
	if limit > 0 {
		start = end - limit
		if start < 0 {
			start = 0
		}
	}
	out := make([]Message, end-start)
	copy(out, messages[start:end])
	return out
}
