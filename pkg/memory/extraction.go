package memory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/elyse-undan/lys-bot/pkg/providers"
	"github.com/elyse-undan/lys-bot/pkg/state"
)

const extractionInstruction = `You read a slice of a group chat and pick out facts worth remembering long term about the people in it: names, preferences, plans, jobs, relationships, running jokes.
Reply with at most %d short facts, one per line, no numbering and no extra text.
If nothing is worth remembering, reply with NONE.`

var listMarkerRegex = regexp.MustCompile(`^(?:[-*•]+|\d+[.)]|\(\d+\))\s*`)

// BuildExtractionPrompt turns recent turns into the fact extraction request.
func BuildExtractionPrompt(turns []state.Turn, maxFacts int) []providers.Message {
	var transcript strings.Builder
	for _, t := range turns {
		transcript.WriteString(t.Role)
		transcript.WriteString(": ")
		transcript.WriteString(strings.TrimSpace(t.Content))
		transcript.WriteString("\n")
	}
	return []providers.Message{
		{Role: "system", Content: fmt.Sprintf(extractionInstruction, maxFacts)},
		{Role: "user", Content: strings.TrimSpace(transcript.String())},
	}
}

// ParseFacts reads one fact per line from a model reply, dropping list
// markers, preambles and "none" answers, and keeps at most maxFacts.
func ParseFacts(reply string, maxFacts int) []string {
	var facts []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(listMarkerRegex.ReplaceAllString(line, ""))
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		switch strings.ToLower(strings.Trim(line, ".!")) {
		case "none", "n/a", "nothing":
			continue
		}
		facts = append(facts, line)
		if len(facts) >= maxFacts {
			break
		}
	}
	return facts
}
