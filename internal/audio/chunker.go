package audio

import (
	"fmt"
	"sync"
)

// Whisper front-end constants used to size inference windows.
const (
	SampleRate = 16000
	HopLength  = 160
	FFTLength  = 400
)

// Geometry describes the size of one inference window and how much of it
// is carried over into the next one.
type Geometry struct {
	WindowSize  int // samples handed to the engine per step
	OverlapSize int // trailing samples retained after a step
}

// NewGeometry derives the window geometry from a segment length in seconds.
// The window covers a whole number of hops plus one FFT frame, so the last
// FFTLength-HopLength samples are shared between consecutive windows.
func NewGeometry(segmentLength float64, sampleRate, hopLength, fftLength int) (Geometry, error) {
	if segmentLength <= 0 {
		return Geometry{}, fmt.Errorf("segment length must be positive, got %f", segmentLength)
	}
	if sampleRate <= 0 || hopLength <= 0 || fftLength <= hopLength {
		return Geometry{}, fmt.Errorf("invalid front-end parameters: rate=%d hop=%d fft=%d", sampleRate, hopLength, fftLength)
	}

	framesToRead := int(segmentLength * float64(sampleRate) / float64(hopLength))
	if framesToRead < 1 {
		return Geometry{}, fmt.Errorf("segment length %f is shorter than one hop", segmentLength)
	}
	samplesToRead := framesToRead * hopLength
	window := samplesToRead + fftLength - hopLength

	return Geometry{
		WindowSize:  window,
		OverlapSize: window - samplesToRead,
	}, nil
}

// Validate checks the overlap invariant.
func (g Geometry) Validate() error {
	if g.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", g.WindowSize)
	}
	if g.OverlapSize < 0 || g.OverlapSize >= g.WindowSize {
		return fmt.Errorf("overlap size %d must be in [0, %d)", g.OverlapSize, g.WindowSize)
	}
	return nil
}

// ChunkBuffer accumulates raw PCM bytes into a rolling sample window.
// It belongs to a single decoding session.
type ChunkBuffer struct {
	geometry Geometry

	mu      sync.Mutex
	pending []byte    // odd trailing byte not yet decoded
	window  []float32 // decoded samples awaiting inference
}

// NewChunkBuffer creates an empty buffer for the given geometry.
func NewChunkBuffer(g Geometry) (*ChunkBuffer, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &ChunkBuffer{geometry: g}, nil
}

// Geometry returns the window geometry of the buffer.
func (b *ChunkBuffer) Geometry() Geometry {
	return b.geometry
}

// Write decodes PCM bytes and appends the samples to the window.
func (b *ChunkBuffer) Write(data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) > 0 {
		data = append(b.pending, data...)
		b.pending = nil
	}

	samples, rest := DecodePCM16(data)
	b.pending = rest
	b.window = append(b.window, samples...)
	return len(samples)
}

// Next returns the window to hand to the engine, or nil if none is ready.
//
// When final is false a window is returned only once it holds at least
// WindowSize samples; afterwards only the last OverlapSize samples are kept.
// When final is true any non-empty remainder is returned and the window is cleared.
func (b *ChunkBuffer) Next(final bool) []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !final && len(b.window) >= b.geometry.WindowSize:
		out := b.window
		keep := make([]float32, b.geometry.OverlapSize)
		copy(keep, out[len(out)-b.geometry.OverlapSize:])
		b.window = keep
		return out
	case final && len(b.window) > 0:
		out := b.window
		b.window = nil
		return out
	default:
		return nil
	}
}

// Len returns the number of samples currently in the window.
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.window)
}

// Reset discards all buffered audio.
func (b *ChunkBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.window = nil
}
