package chat

import "fmt"

// Settings tune a single generation request.
type Settings struct {
	// Model empty selects the provider's configured model.
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
	SystemPrompt     string  `json:"system_prompt,omitempty"`
	ContextWindow    int     `json:"context_window"`
}

func DefaultSettings() Settings {
	return Settings{
		Temperature:   0.7,
		MaxTokens:     1000,
		TopP:          1.0,
		ContextWindow: 50,
	}
}

func (s Settings) Validate() error {
	switch {
	case s.Temperature < 0 || s.Temperature > 2:
		return fmt.Errorf("temperature must be between 0 and 2")
	case s.MaxTokens < 1 || s.MaxTokens > 4000:
		return fmt.Errorf("max_tokens must be between 1 and 4000")
	case s.TopP < 0 || s.TopP > 1:
		return fmt.Errorf("top_p must be between 0 and 1")
	case s.FrequencyPenalty < -2 || s.FrequencyPenalty > 2:
		return fmt.Errorf("frequency_penalty must be between -2 and 2")
	case s.PresencePenalty < -2 || s.PresencePenalty > 2:
		return fmt.Errorf("presence_penalty must be between -2 and 2")
	case s.ContextWindow < 1 || s.ContextWindow > 100:
		return fmt.Errorf("context_window must be between 1 and 100")
	}
	return nil
}

// TruncateHistory keeps the newest window messages.
func TruncateHistory(history []Message, window int) []Message {
	if window <= 0 || len(history) <= window {
		return history
	}
	return history[len(history)-window:]
}
