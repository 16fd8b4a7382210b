package protocol

import "time"

// ChunkRequest asks a worker to synthesize one chunk of a generation plan.
type ChunkRequest struct {
	GenerationID string `json:"generation_id"`
	Index        int    `json:"index"`
	Total        int    `json:"total"`
	Voice        string `json:"voice"`
	Text         string `json:"text"`
}

// ChunkResponse carries the synthesized chunk back to the coordinator.
// Samples holds float32 little-endian PCM. Audio too large for one bus
// message is sent as Parts responses numbered by Part, each holding a slice
// of the samples; Parts is zero for a single-message reply.
type ChunkResponse struct {
	GenerationID string `json:"generation_id"`
	Index        int    `json:"index"`
	WorkerID     string `json:"worker_id,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
	Part         int    `json:"part,omitempty"`
	Parts        int    `json:"parts,omitempty"`
	Samples      []byte `json:"samples,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ProgressEvent mirrors progress.State for bus subscribers.
type ProgressEvent struct {
	NodeID       string    `json:"node_id"`
	Phase        string    `json:"phase"`
	Fraction     float64   `json:"fraction"`
	Message      string    `json:"message"`
	GenerationID string    `json:"generation_id,omitempty"`
	Completed    int       `json:"completed,omitempty"`
	Total        int       `json:"total,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectChunkRequest = "tts.chunk.request"
	SubjectProgress     = "tts.progress"
	SubjectNodeAnnounce = "ctrl.node.announce"
	SubjectNodeDepart   = "ctrl.node.depart"
	// SubjectNodeControl matches every node control subject.
	SubjectNodeControl = "ctrl.node.>"
	// SubjectNodeHeartbeat is suffixed with the node id.
	SubjectNodeHeartbeat = "ctrl.node.heartbeat"

	QueueChunkWorkers = "tts-workers"

	CapabilitySynthesize = "tts.synthesize"
	CapabilityGenerate   = "tts.generate"
	// AttrMaxInFlight is the number of chunks a worker synthesizes at once.
	AttrMaxInFlight = "max_in_flight"
	// AttrModel is the engine model a worker synthesizes with.
	AttrModel = "model"
)
