package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/voice"
)

// Warning codes reported by ParseVoiceTags.
const (
	WarnEmptyBeforeTag = "empty segment before tag"
	WarnUnknownTag     = "unknown voice tag"
	WarnEmptyAtEnd     = "empty segment at end"
)

// Warning is a recoverable parse problem. Parsing never fails; callers decide
// whether to surface warnings.
type Warning struct {
	Code    string `json:"code"`
	Tag     string `json:"tag,omitempty"`
	Message string `json:"message"`
}

func (w Warning) String() string { return w.Message }

// Segment is a span of input text bound to one voice.
type Segment struct {
	Voice voice.ID `json:"voice"`
	Text  string   `json:"text"`
}

var tagPattern = regexp.MustCompile(`\[([A-Za-z]+)\]`)

// TagResolver maps a tag name to a voice id. *voice.Catalog satisfies it.
type TagResolver interface {
	ResolveTag(name string) (voice.ID, bool)
}

// ParseVoiceTags splits text on inline [Name] tags. Text before the first
// recognised tag uses defaultVoice; a recognised tag switches the current voice
// for everything after it, unknown tags are consumed without effect.
func ParseVoiceTags(text string, defaultVoice voice.ID, voices TagResolver) ([]Segment, []Warning) {
	var (
		segments []Segment
		warnings []Warning
		current  = defaultVoice
		last     int
		sawTag   bool
	)

	for _, loc := range tagPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[0], loc[1]
		tag := text[loc[2]:loc[3]]
		sawTag = true

		if start > last {
			if seg := strings.TrimSpace(text[last:start]); seg != "" {
				segments = append(segments, Segment{Voice: current, Text: seg})
			} else {
				warnings = append(warnings, Warning{
					Code:    WarnEmptyBeforeTag,
					Tag:     tag,
					Message: fmt.Sprintf("Empty segment before [%s] tag will be skipped.", tag),
				})
			}
		}

		if id, ok := voices.ResolveTag(tag); ok {
			current = id
		} else {
			warnings = append(warnings, Warning{
				Code:    WarnUnknownTag,
				Tag:     tag,
				Message: fmt.Sprintf("Unknown voice tag: [%s] will be ignored (using previous voice).", tag),
			})
		}
		last = end
	}

	if trailing := strings.TrimSpace(text[last:]); trailing != "" {
		segments = append(segments, Segment{Voice: current, Text: trailing})
	} else if sawTag && last < len(text) {
		warnings = append(warnings, Warning{
			Code:    WarnEmptyAtEnd,
			Message: "Empty segment at end of text will be skipped.",
		})
	}

	out := segments[:0]
	for _, s := range segments {
		if s.Text != "" {
			out = append(out, s)
		}
	}
	return out, warnings
}

// SingleVoice wraps the whole text as one segment without tag parsing.
func SingleVoice(text string, v voice.ID) []Segment {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	return []Segment{{Voice: v, Text: trimmed}}
}
