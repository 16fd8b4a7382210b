package worker

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// responseOverhead is the room left in each message for the JSON envelope
// around the samples.
const responseOverhead = 1024

var errBadPart = errors.New("malformed chunk response part")

// partSize is the number of raw sample bytes that fit in one message once
// base64 encoded. It is always a whole number of float32 samples.
func partSize(maxPayload int64) int {
	n := int((maxPayload - responseOverhead) / 4 * 3)
	n -= n % 4
	return max(n, 4)
}

// splitResponse cuts resp into messages carrying at most size sample bytes
// each. Error responses and small chunks stay a single message.
func splitResponse(resp protocol.ChunkResponse, size int) []protocol.ChunkResponse {
	if resp.Error != "" || len(resp.Samples) <= size {
		return []protocol.ChunkResponse{resp}
	}
	parts := (len(resp.Samples) + size - 1) / size
	out := make([]protocol.ChunkResponse, 0, parts)
	for i := 0; i < parts; i++ {
		part := resp
		part.Part = i
		part.Parts = parts
		part.Samples = resp.Samples[i*size : min((i+1)*size, len(resp.Samples))]
		out = append(out, part)
	}
	return out
}

type partial struct {
	samples [][]byte
	seen    []bool
	got     int
}

// partials collects multi-part responses per reply subject. It is only
// touched from one subscription callback or one waiting goroutine.
type partials map[string]*partial

// add records one message for key and returns the whole response once every
// part has arrived. An error response completes the chunk immediately.
func (p partials) add(key string, resp protocol.ChunkResponse) (protocol.ChunkResponse, bool, error) {
	if resp.Error != "" || resp.Parts <= 1 {
		delete(p, key)
		return resp, true, nil
	}
	if resp.Part < 0 || resp.Part >= resp.Parts {
		delete(p, key)
		return resp, false, fmt.Errorf("%w: part %d of %d", errBadPart, resp.Part, resp.Parts)
	}
	pt, ok := p[key]
	if !ok {
		pt = &partial{samples: make([][]byte, resp.Parts), seen: make([]bool, resp.Parts)}
		p[key] = pt
	}
	if len(pt.samples) != resp.Parts {
		delete(p, key)
		return resp, false, fmt.Errorf("%w: part count changed to %d", errBadPart, resp.Parts)
	}
	if !pt.seen[resp.Part] {
		pt.seen[resp.Part] = true
		pt.got++
	}
	pt.samples[resp.Part] = resp.Samples
	if pt.got < resp.Parts {
		return protocol.ChunkResponse{}, false, nil
	}
	delete(p, key)

	total := 0
	for _, s := range pt.samples {
		total += len(s)
	}
	joined := make([]byte, 0, total)
	for _, s := range pt.samples {
		joined = append(joined, s...)
	}
	resp.Part, resp.Parts = 0, 0
	resp.Samples = joined
	return resp, true, nil
}
