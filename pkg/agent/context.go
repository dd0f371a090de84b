package agent

import (
	"strings"

	"github.com/elyse-undan/lys-bot/pkg/conversation"
	"github.com/elyse-undan/lys-bot/pkg/providers"
)

// ContextBuilder assembles the prompt for one completion: a fresh system
// turn followed by the channel's rolling window.
type ContextBuilder struct {
	personality func() string
}

// NewContextBuilder reads the personality through fn on every build, so an
// edited personality file is picked up without a restart.
func NewContextBuilder(fn func() string) *ContextBuilder {
	return &ContextBuilder{personality: fn}
}

// BuildSystemPrompt joins the personality with the remembered facts block.
func (cb *ContextBuilder) BuildSystemPrompt(facts []string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(cb.personality()))

	if len(facts) > 0 {
		sb.WriteString("\n\n## Things you remember about this chat\n")
		for _, f := range facts {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

func (cb *ContextBuilder) BuildMessages(facts []string, window []conversation.Turn) []providers.Message {
	messages := make([]providers.Message, 0, len(window)+1)
	messages = append(messages, providers.Message{
		Role:    conversation.RoleSystem,
		Content: cb.BuildSystemPrompt(facts),
	})
	for _, turn := range window {
		messages = append(messages, providers.Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}
