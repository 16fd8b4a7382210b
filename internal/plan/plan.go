// Package plan turns raw request text into an ordered list of synthesis
// chunks: voice tag parsing, sentence-bounded splitting and global indexing.
package plan

import (
	"errors"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

var (
	// ErrEmptyPlan is returned when there is nothing to synthesize.
	ErrEmptyPlan = errors.New("no valid text segments found to synthesize")
	// ErrInvalidMaxLen is returned for a non-positive chunk budget.
	ErrInvalidMaxLen = errors.New("max chunk length must be positive")
)

// Chunk is one unit of synthesis work.
type Chunk struct {
	Index int      `json:"index"`
	Voice voice.ID `json:"voice"`
	Text  string   `json:"text"`
}

// Plan is the ordered set of chunks for one generation. Chunk indexes are
// dense and equal to their position. A Plan must not be modified once built.
type Plan struct {
	ID     string  `json:"id"`
	Chunks []Chunk `json:"chunks"`
}

// Total returns the number of chunks in the plan.
func (p Plan) Total() int { return len(p.Chunks) }

// Voices returns the distinct voices used by the plan in first-use order.
func (p Plan) Voices() []voice.ID {
	seen := make(map[voice.ID]struct{})
	var out []voice.ID
	for _, c := range p.Chunks {
		if _, ok := seen[c.Voice]; ok {
			continue
		}
		seen[c.Voice] = struct{}{}
		out = append(out, c.Voice)
	}
	return out
}

// Build splits every segment and numbers the resulting chunks with one counter
// across all segments.
func Build(segments []Segment, maxLen int) (Plan, error) {
	if maxLen <= 0 {
		return Plan{}, ErrInvalidMaxLen
	}
	if len(segments) == 0 {
		return Plan{}, ErrEmptyPlan
	}
	var chunks []Chunk
	for _, seg := range segments {
		for _, text := range SplitText(seg.Text, maxLen) {
			chunks = append(chunks, Chunk{Index: len(chunks), Voice: seg.Voice, Text: text})
		}
	}
	if len(chunks) == 0 {
		return Plan{}, ErrEmptyPlan
	}
	return Plan{ID: uuid.NewString(), Chunks: chunks}, nil
}
