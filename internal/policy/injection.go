package policy

import (
	"regexp"
	"strings"
)

// InputDecision describes how suspicious a user message looks.
type InputDecision struct {
	Risk       string
	Suspicious bool
	Reason     string
}

var (
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,40}\b(previous|prior|above|all)\b.{0,20}\b(instructions?|rules|prompts?)\b`),
		regexp.MustCompile(`(?i)</?\s*user_query\s*>`),
		regexp.MustCompile(`(?i)\b(reveal|print|show|repeat)\b.{0,30}\bsystem\s+prompt\b`),
		regexp.MustCompile(`(?i)\byou are now\b.{0,40}\b(unfiltered|jailbroken|dan)\b`),
	}
	elevatedKeywords = []string{
		"system prompt", "developer mode", "jailbreak", "act as", "pretend you",
	}
)

// InspectUserInput flags prompt-injection attempts. It never blocks: the
// caller decides what to do with a suspicious message.
func InspectUserInput(input string) InputDecision {
	in := strings.ToLower(strings.TrimSpace(input))
	if in == "" {
		return InputDecision{Risk: "low"}
	}

	for _, re := range injectionPatterns {
		if re.MatchString(in) {
			return InputDecision{
				Risk:       "high",
				Suspicious: true,
				Reason:     "Message tries to override assistant instructions.",
			}
		}
	}

	for _, kw := range elevatedKeywords {
		if strings.Contains(in, kw) {
			return InputDecision{Risk: "medium"}
		}
	}

	return InputDecision{Risk: "low"}
}
