package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// pcmScale is the divisor used to normalize 16-bit samples into [-1, 1].
const pcmScale = 32767.0

// DecodePCM16 converts little-endian 16-bit signed PCM into normalized float samples.
// An odd trailing byte is returned as the remainder so the caller can prepend it to the next frame.
func DecodePCM16(pcmData []byte) (samples []float32, remainder []byte) {
	n := len(pcmData) / 2
	samples = make([]float32, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
		samples[i] = float32(float64(sample) / pcmScale)
	}

	if len(pcmData)%2 != 0 {
		remainder = []byte{pcmData[len(pcmData)-1]}
	}
	return samples, remainder
}

// EncodePCM16 converts normalized float samples back into little-endian 16-bit PCM.
// Values outside [-1, 1] are clipped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * pcmScale)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// SamplesToDuration returns the duration in seconds of n samples at sampleRate.
func SamplesToDuration(n, sampleRate int) (float64, error) {
	if sampleRate <= 0 {
		return 0, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return float64(n) / float64(sampleRate), nil
}
