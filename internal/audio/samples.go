// Package audio holds the sample-level helpers shared by the engine, the bus
// protocol and the WAV encoder.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// ErrOddSampleBytes is returned when a float32 payload is not a multiple of
// four bytes.
var ErrOddSampleBytes = errors.New("sample payload length is not a multiple of 4")

// Float32Bytes encodes samples as little-endian IEEE-754 float32.
func Float32Bytes(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}

// BytesToFloat32 decodes a little-endian float32 payload.
func BytesToFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, ErrOddSampleBytes
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

// ToInt16 converts float samples in [-1,1] to signed 16-bit values, clamping
// anything outside the range.
func ToInt16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		s = max(-1, min(1, s))
		if s < 0 {
			out[i] = int(s * 0x8000)
		} else {
			out[i] = int(s * 0x7fff)
		}
	}
	return out
}

// Duration returns how long n samples last at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
