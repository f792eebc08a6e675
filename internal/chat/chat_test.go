package chat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewMessageValidates(t *testing.T) {
	msg, err := NewMessage("s1", RoleUser, "  hello  ")
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Content)
	require.NotEmpty(t, msg.ID)
	require.Equal(t, time.UTC, msg.Timestamp.Location())

	_, err = NewMessage("s1", RoleUser, "   ")
	require.True(t, errors.Is(err, ErrEmptyContent))

	_, err = NewMessage("s1", RoleUser, strings.Repeat("a", MaxContentRunes+1))
	require.True(t, errors.Is(err, ErrContentTooLong))

	_, err = NewMessage("s1", Role("robot"), "hi")
	require.True(t, errors.Is(err, ErrInvalidRole))
}

func TestConversationAppendTrimsAndKeepsUpdatedAtMonotonic(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	conv := NewConversation("s1", base)
	for i := 0; i < 5; i++ {
		conv.Append(Message{ID: string(rune('a' + i)), Content: "m", Role: RoleUser, Timestamp: base.Add(time.Duration(i+1) * time.Minute)}, 3)
	}
	require.Equal(t, 3, conv.MessageCount())
	require.Equal(t, "c", conv.Messages[0].ID)
	require.Equal(t, base.Add(5*time.Minute), conv.UpdatedAt)

	conv.Append(Message{ID: "old", Content: "m", Role: RoleUser, Timestamp: base}, 3)
	require.Equal(t, base.Add(5*time.Minute), conv.UpdatedAt)
}

func TestSummaryPreviewIsBounded(t *testing.T) {
	conv := NewConversation("s1", time.Now().UTC())
	conv.Append(Message{Content: strings.Repeat("é", 150), Role: RoleAssistant, Timestamp: time.Now().UTC()}, 0)
	s := conv.Summary()
	require.Equal(t, 1, s.MessageCount)
	require.Equal(t, PreviewRunes, len([]rune(s.LastMessagePreview)))
}

func TestPageCountsFromNewest(t *testing.T) {
	msgs := make([]Message, 10)
	for i := range msgs {
		msgs[i] = Message{ID: string(rune('0' + i))}
	}
	got := Page(msgs, 3, 0)
	require.Equal(t, []string{"7", "8", "9"}, ids(got))

	got = Page(msgs, 3, 8)
	require.Equal(t, []string{"0", "1"}, ids(got))

	require.Empty(t, Page(msgs, 3, 20))
	require.Len(t, Page(msgs, 0, 0), 10)
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())
	s.Temperature = 3
	require.Error(t, s.Validate())
	s = DefaultSettings()
	s.ContextWindow = 0
	require.Error(t, s.Validate())
}

func TestTruncateHistory(t *testing.T) {
	msgs := []Message{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	require.Equal(t, []string{"2", "3"}, ids(TruncateHistory(msgs, 2)))
	require.Len(t, TruncateHistory(msgs, 10), 3)
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
