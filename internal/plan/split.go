package plan

import (
	"strings"
	"unicode/utf8"
)

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}

// sentences cuts text after every run of terminators. Terminators stay
// attached to the preceding unit; an unterminated tail is its own unit.
func sentences(text string) []string {
	var units []string
	start := 0
	inTerm := false
	for i, r := range text {
		if isTerminator(r) {
			inTerm = true
			continue
		}
		if inTerm {
			units = append(units, text[start:i])
			start = i
			inTerm = false
		}
	}
	if start < len(text) {
		units = append(units, text[start:])
	}
	return units
}

// SplitText packs sentences greedily into chunks of at most maxLen runes. A
// sentence longer than maxLen is never broken and becomes its own chunk.
// Chunks are trimmed and never empty.
func SplitText(text string, maxLen int) []string {
	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, unit := range sentences(text) {
		buffered := current.String()
		if strings.TrimSpace(buffered) != "" &&
			utf8.RuneCountInString(buffered)+utf8.RuneCountInString(unit) > maxLen {
			flush()
		}
		current.WriteString(unit)
	}
	flush()
	return chunks
}
