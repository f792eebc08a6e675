package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "User: mail sam@example.com or +1 (555) 123-9876, card 4242 4242 4242 4242, key sk-abcdefghijklmnopqrstu"
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]", "[REDACTED_KEY]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	out, changed := RedactPII("User: hello\nAI: hi there")
	if changed || out != "User: hello\nAI: hi there" {
		t.Fatalf("RedactPII() = %q, %v", out, changed)
	}
}
