package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/confab/internal/chat"
)

// ExportFormat describes a rendered conversation.
type ExportFormat struct {
	Name        string
	ContentType string
	Extension   string
}

var exportFormats = map[string]ExportFormat{
	"json":     {Name: "json", ContentType: "application/json", Extension: "json"},
	"txt":      {Name: "txt", ContentType: "text/plain; charset=utf-8", Extension: "txt"},
	"text":     {Name: "txt", ContentType: "text/plain; charset=utf-8", Extension: "txt"},
	"markdown": {Name: "markdown", ContentType: "text/markdown; charset=utf-8", Extension: "md"},
	"md":       {Name: "markdown", ContentType: "text/markdown; charset=utf-8", Extension: "md"},
}

// LookupFormat resolves a format name, case-insensitively.
func LookupFormat(name string) (ExportFormat, error) {
	f, ok := exportFormats[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ExportFormat{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
	return f, nil
}

const exportTimeLayout = "2006-01-02 15:04:05"

// Export renders conv in the named format.
func Export(conv *chat.Conversation, format string) ([]byte, ExportFormat, error) {
	f, err := LookupFormat(format)
	if err != nil {
		return nil, ExportFormat{}, err
	}
	switch f.Name {
	case "json":
		b, err := json.MarshalIndent(conv, "", "  ")
		return b, f, err
	case "txt":
		return []byte(exportText(conv)), f, nil
	default:
		return []byte(exportMarkdown(conv)), f, nil
	}
}

func exportText(conv *chat.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation: %s\n", conv.SessionID)
	fmt.Fprintf(&b, "Created: %s\n", conv.CreatedAt.Format(exportTimeLayout))
	fmt.Fprintf(&b, "Messages: %d\n", conv.MessageCount())
	b.WriteString(strings.Repeat("-", 50))
	b.WriteString("\n\n")
	for _, m := range conv.Messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n\n", m.Timestamp.Format(exportTimeLayout), strings.ToUpper(string(m.Role)), m.Content)
	}
	return b.String()
}

func exportMarkdown(conv *chat.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", conv.SessionID)
	fmt.Fprintf(&b, "**Created:** %s\n", conv.CreatedAt.Format(exportTimeLayout))
	fmt.Fprintf(&b, "**Messages:** %d\n\n---\n\n", conv.MessageCount())
	for _, m := range conv.Messages {
		fmt.Fprintf(&b, "## %s %s - %s\n\n%s\n\n", roleEmoji(m.Role), roleTitle(m.Role), m.Timestamp.Format(exportTimeLayout), m.Content)
	}
	return b.String()
}

func roleEmoji(r chat.Role) string {
	switch r {
	case chat.RoleUser:
		return "👤"
	case chat.RoleAssistant:
		return "🤖"
	default:
		return "⚙️"
	}
}

func roleTitle(r chat.Role) string {
	s := string(r)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
