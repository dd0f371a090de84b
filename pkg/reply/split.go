// Package reply turns one model reply into a short burst of chat messages
// that reads like a person typing.
package reply

import (
	"regexp"
	"strings"
	"unicode"
)

var sentenceEndRegex = regexp.MustCompile(`[.!?]+\s+`)

type filler struct {
	// re matches the word between two spaces, case-insensitively, so match
	// offsets index the original text.
	re *regexp.Regexp
	// closes is true when the filler ends the bubble it appears in
	// ("lol", "lmao") instead of opening the next one.
	closes bool
}

func newFiller(word string, closes bool) filler {
	return filler{re: regexp.MustCompile(`(?i) ` + regexp.QuoteMeta(word) + ` `), closes: closes}
}

var fillers = []filler{
	newFiller("lol", true),
	newFiller("lmao", true),
	newFiller("but", false),
	newFiller("and", false),
	newFiller("so", false),
	newFiller("btw", false),
	newFiller("like", false),
}

// Split breaks text into logical segments. It tries, in order, line breaks,
// sentence punctuation, the first casual filler word and, for text longer
// than threshold, the whitespace nearest the middle. Text that none of
// these split comes back as a single segment.
func Split(text string, threshold int) []string {
	segs, _ := split(text, threshold)
	return segs
}

// split also returns the separator that rejoins segments inside one bubble.
func split(text string, threshold int) ([]string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ""
	}

	if segs := splitLines(text); len(segs) > 1 {
		return segs, "\n"
	}
	if segs := splitSentences(text); len(segs) > 1 {
		return segs, " "
	}
	if segs := splitFiller(text); len(segs) > 1 {
		return segs, " "
	}
	if len([]rune(text)) > threshold {
		if segs := splitMiddle(text); len(segs) > 1 {
			return segs, " "
		}
	}
	return []string{text}, ""
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEndRegex.FindAllStringIndex(text, -1) {
		if seg := strings.TrimSpace(text[start:loc[1]]); seg != "" {
			out = append(out, seg)
		}
		start = loc[1]
	}
	if seg := strings.TrimSpace(text[start:]); seg != "" {
		out = append(out, seg)
	}
	return out
}

func splitFiller(text string) []string {
	for _, f := range fillers {
		loc := f.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		cut := loc[0] + 1
		if f.closes {
			cut = loc[1] - 1
		}
		left := strings.TrimSpace(text[:cut])
		right := strings.TrimSpace(text[cut:])
		if left != "" && right != "" {
			return []string{left, right}
		}
	}
	return nil
}

func splitMiddle(text string) []string {
	mid := len(text) / 2
	best := -1
	for i, r := range text {
		if !unicode.IsSpace(r) {
			continue
		}
		if best < 0 || abs(i-mid) < abs(best-mid) {
			best = i
		}
	}
	if best <= 0 {
		return nil
	}
	left := strings.TrimSpace(text[:best])
	right := strings.TrimSpace(text[best:])
	if left == "" || right == "" {
		return nil
	}
	return []string{left, right}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Bubbles groups segments into messages of one or two segments. pairChance
// is the probability that a bubble takes two segments; draw supplies
// uniform numbers in [0,1).
func Bubbles(segs []string, sep string, pairChance float64, draw func() float64) []string {
	var out []string
	for i := 0; i < len(segs); {
		if i+1 < len(segs) && draw() < pairChance {
			out = append(out, segs[i]+sep+segs[i+1])
			i += 2
			continue
		}
		out = append(out, segs[i])
		i++
	}
	return out
}
