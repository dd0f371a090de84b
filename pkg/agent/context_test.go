package agent

import (
	"strings"
	"testing"

	"github.com/elyse-undan/lys-bot/pkg/conversation"
)

func TestBuildMessages_SystemTurnFirst(t *testing.T) {
	cb := NewContextBuilder(func() string { return "  You are Elyse.  " })
	window := []conversation.Turn{
		{Role: conversation.RoleUser, Content: "alex: hi"},
		{Role: conversation.RoleAssistant, Content: "heyy"},
	}

	msgs := cb.BuildMessages(nil, window)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "You are Elyse." {
		t.Fatalf("unexpected system turn: %+v", msgs[0])
	}
	if msgs[1].Content != "alex: hi" || msgs[2].Role != "assistant" {
		t.Fatalf("window not kept in order: %+v", msgs[1:])
	}
}

func TestBuildSystemPrompt_IncludesFacts(t *testing.T) {
	cb := NewContextBuilder(func() string { return "You are Elyse." })

	out := cb.BuildSystemPrompt([]string{"alex likes go", "sam has a cat"})
	if !strings.HasPrefix(out, "You are Elyse.") {
		t.Fatalf("personality must lead the prompt, got %q", out)
	}
	if !strings.Contains(out, "- alex likes go\n- sam has a cat") {
		t.Fatalf("facts block missing: %q", out)
	}

	if got := cb.BuildSystemPrompt(nil); got != "You are Elyse." {
		t.Fatalf("no facts should leave only the personality, got %q", got)
	}
}
