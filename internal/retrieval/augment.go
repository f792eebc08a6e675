package retrieval

import (
	"strings"
	"time"

	"github.com/ent0n29/confab/internal/chat"
)

// MemoryHeader introduces retrieved documents in the system message.
const MemoryHeader = "Relevant information from memory:\n"

// Augment returns history with the retrieved documents placed in front of the
// leading system message, or in a new leading system message when there is
// none. history itself is not modified.
func Augment(history []chat.Message, docs []Document) []chat.Message {
	if len(docs) == 0 {
		return history
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if t := strings.TrimSpace(d.Document); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return history
	}
	block := MemoryHeader + strings.Join(parts, "\n")

	out := make([]chat.Message, 0, len(history)+1)
	if len(history) > 0 && history[0].Role == chat.RoleSystem {
		lead := history[0]
		lead.Content = block + "\n\n" + lead.Content
		out = append(out, lead)
		return append(out, history[1:]...)
	}
	sessionID := ""
	if len(history) > 0 {
		sessionID = history[0].SessionID
	}
	out = append(out, chat.Message{
		Role:      chat.RoleSystem,
		Content:   block,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
	return append(out, history...)
}
