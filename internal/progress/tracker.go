// Package progress models the two user-facing progress phases: getting the
// model ready, then generating one request.
package progress

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading_model"
	PhaseReady      Phase = "ready"
	PhaseGenerating Phase = "generating"
	PhaseDone       Phase = "done"
	PhaseError      Phase = "error"
)

const (
	// downloadCap keeps the last tenth of the load bar for verification.
	downloadCap = 0.9
	verifyStep  = 0.95
	// generationCap holds the bar below 1 until reassembly succeeds.
	generationCap = 0.99
)

var (
	ErrModelNotReady = errors.New("model is not ready")
	ErrModelLoaded   = errors.New("model already loaded")
	ErrLoading       = errors.New("model load already in progress")
)

// State is a point-in-time view of progress.
type State struct {
	Phase        Phase     `json:"phase"`
	Fraction     float64   `json:"fraction"`
	Message      string    `json:"message"`
	GenerationID string    `json:"generation_id,omitempty"`
	Completed    int       `json:"completed,omitempty"`
	Total        int       `json:"total,omitempty"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Listener receives every state change. It runs on the goroutine that caused
// the change and must not block.
type Listener func(State)

// Tracker owns progress state. All mutation goes through its transition
// methods; reads return copies.
type Tracker struct {
	mu         sync.Mutex
	state      State
	modelReady bool
	listeners  map[int]Listener
	nextID     int
	clock      func() time.Time
}

func NewTracker() *Tracker {
	t := &Tracker{listeners: make(map[int]Listener), clock: time.Now}
	t.state = State{Phase: PhaseIdle, UpdatedAt: t.clock().UTC()}
	return t
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ModelReady reports whether the model finished loading.
func (t *Tracker) ModelReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modelReady
}

// Subscribe registers fn and returns a function removing it.
func (t *Tracker) Subscribe(fn Listener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// BeginLoad enters the loading phase.
func (t *Tracker) BeginLoad() error {
	return t.update(func(s *State) error {
		switch {
		case t.modelReady:
			return ErrModelLoaded
		case s.Phase == PhaseLoading:
			return ErrLoading
		}
		*s = State{Phase: PhaseLoading, Message: "Starting model loading"}
		return nil
	})
}

// LoadProgress records download progress, capped at 0.9. It is ignored
// outside the loading phase, so a loaded model never reports load progress
// again.
func (t *Tracker) LoadProgress(fraction float64, message string) {
	_ = t.update(func(s *State) error {
		if s.Phase != PhaseLoading {
			return errSkip
		}
		f := math.Min(downloadCap, clamp(fraction))
		s.Fraction = math.Max(s.Fraction, f)
		if message != "" {
			s.Message = message
		}
		return nil
	})
}

// Verifying marks the post-download check of the model.
func (t *Tracker) Verifying() {
	_ = t.update(func(s *State) error {
		if s.Phase != PhaseLoading {
			return errSkip
		}
		s.Fraction = math.Max(s.Fraction, verifyStep)
		s.Message = "Initializing model"
		return nil
	})
}

// Ready completes loading.
func (t *Tracker) Ready() {
	_ = t.update(func(s *State) error {
		if s.Phase != PhaseLoading {
			return errSkip
		}
		t.modelReady = true
		*s = State{Phase: PhaseReady, Fraction: 1, Message: "Model loaded successfully"}
		return nil
	})
}

// LoadFailed ends loading with an error; a later BeginLoad may retry.
func (t *Tracker) LoadFailed(err error) {
	_ = t.update(func(s *State) error {
		if s.Phase != PhaseLoading {
			return errSkip
		}
		*s = State{Phase: PhaseError, Message: "Model loading failed", Error: err.Error()}
		return nil
	})
}

// BeginGeneration resets progress for a new generation. It fails until the
// model is ready.
func (t *Tracker) BeginGeneration(id string, total int) error {
	return t.update(func(s *State) error {
		if !t.modelReady {
			return ErrModelNotReady
		}
		*s = State{
			Phase:        PhaseGenerating,
			GenerationID: id,
			Total:        total,
			Message:      fmt.Sprintf("Processing %d text chunks", total),
		}
		return nil
	})
}

// ChunkDispatched updates the message while a chunk is being generated.
func (t *Tracker) ChunkDispatched(id string, index, total int) {
	_ = t.update(func(s *State) error {
		if !t.current(s, id) {
			return errSkip
		}
		s.Message = fmt.Sprintf("Generating chunk %d/%d", index+1, total)
		return nil
	})
}

// ChunkCompleted advances the generation fraction to completed/total.
func (t *Tracker) ChunkCompleted(id string, completed, total int) {
	_ = t.update(func(s *State) error {
		if !t.current(s, id) || total <= 0 {
			return errSkip
		}
		f := math.Min(generationCap, float64(completed)/float64(total))
		s.Fraction = math.Max(s.Fraction, f)
		s.Completed = max(s.Completed, completed)
		s.Total = total
		if completed == total {
			s.Message = "Combining audio chunks"
		}
		return nil
	})
}

// Done marks the generation finished after successful reassembly.
func (t *Tracker) Done(id string) {
	_ = t.update(func(s *State) error {
		if !t.current(s, id) {
			return errSkip
		}
		s.Phase = PhaseDone
		s.Fraction = 1
		s.Completed = s.Total
		s.Message = "Audio generated"
		return nil
	})
}

// GenerationFailed aborts the generation with err.
func (t *Tracker) GenerationFailed(id string, err error) {
	_ = t.update(func(s *State) error {
		if !t.current(s, id) {
			return errSkip
		}
		*s = State{Phase: PhaseError, GenerationID: id, Message: "Generation failed", Error: err.Error()}
		return nil
	})
}

// Rejected records a request that failed before any chunk was dispatched,
// such as one with nothing to synthesize. A load or generation in progress
// keeps its state.
func (t *Tracker) Rejected(err error) {
	_ = t.update(func(s *State) error {
		if s.Phase == PhaseGenerating || s.Phase == PhaseLoading {
			return errSkip
		}
		*s = State{Phase: PhaseError, Message: "Generation failed", Error: err.Error()}
		return nil
	})
}

// Cancelled returns a cancelled generation to the ready phase.
func (t *Tracker) Cancelled(id string) {
	_ = t.update(func(s *State) error {
		if !t.current(s, id) {
			return errSkip
		}
		*s = State{Phase: PhaseReady, Fraction: 1, Message: "Generation cancelled"}
		return nil
	})
}

func (t *Tracker) current(s *State, id string) bool {
	return s.Phase == PhaseGenerating && s.GenerationID == id
}

var errSkip = errors.New("skip")

// update applies fn under the lock and notifies listeners when fn changed
// the state. errSkip leaves the state untouched without reporting an error.
func (t *Tracker) update(fn func(*State) error) error {
	t.mu.Lock()
	next := t.state
	if err := fn(&next); err != nil {
		t.mu.Unlock()
		if errors.Is(err, errSkip) {
			return nil
		}
		return err
	}
	next.UpdatedAt = t.clock().UTC()
	t.state = next
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
	return nil
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

// Reset returns to ready when the model is loaded, otherwise to idle.
func (t *Tracker) Reset() {
	_ = t.update(func(s *State) error {
		if s.Phase == PhaseLoading {
			return errSkip
		}
		if t.modelReady {
			*s = State{Phase: PhaseReady, Fraction: 1, Message: "Model loaded successfully"}
			return nil
		}
		*s = State{Phase: PhaseIdle}
		return nil
	})
}
