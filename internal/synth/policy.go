package synth

import (
	"errors"
	"math"
	"time"
)

// Policy controls how many chunks are in flight and how fast new ones are
// admitted. Device adaptation is done by choosing different values, never by
// branching on the environment inside the scheduler.
type Policy struct {
	// MaxInFlight bounds concurrently dispatched chunks. 1 is sequential.
	MaxInFlight int
	// InterChunkDelay is the minimum spacing between two dispatches.
	InterChunkDelay time.Duration
	// BatchAdvanceThreshold is the fraction of the current batch that must
	// complete before more chunks are admitted. 0 refills on every
	// completion, 1 waits for the whole batch.
	BatchAdvanceThreshold float64
	// ChunkTimeout fails a chunk that has not completed in time. Zero leaves
	// timing to the engine.
	ChunkTimeout time.Duration
}

// SequentialPolicy dispatches one chunk at a time.
func SequentialPolicy() Policy {
	return Policy{MaxInFlight: 1}
}

func (p Policy) Validate() error {
	if p.MaxInFlight < 1 {
		return errors.New("max in-flight chunks must be >= 1")
	}
	if p.InterChunkDelay < 0 {
		return errors.New("inter-chunk delay must be >= 0")
	}
	if p.BatchAdvanceThreshold < 0 || p.BatchAdvanceThreshold > 1 || math.IsNaN(p.BatchAdvanceThreshold) {
		return errors.New("batch advance threshold must be within [0,1]")
	}
	if p.ChunkTimeout < 0 {
		return errors.New("chunk timeout must be >= 0")
	}
	return nil
}

// Sequential reports whether chunk i+1 waits for chunk i.
func (p Policy) Sequential() bool { return p.MaxInFlight == 1 }

// admitAfter returns how many completions of a batch of the given size are
// needed before the next admission.
func (p Policy) admitAfter(batch int) int {
	need := int(math.Ceil(p.BatchAdvanceThreshold * float64(batch)))
	return max(1, need)
}
