package providers

import "context"

// Message is one role-tagged prompt entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions selects the model and sampling for one completion.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// LLMProvider issues a single completion against one credential.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
	Name() string
}

// Mode picks between the cheap model profile and the full one.
type Mode int

const (
	ModeQuality Mode = iota
	ModeFast
)

func (m Mode) String() string {
	if m == ModeFast {
		return "fast"
	}
	return "quality"
}
