// Package processors holds in-place transforms applied to captured f32le audio
package processors

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/pulsetap/pulsetap/internal/audiocore"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
)

// SignalFactor returns the gain that compensates for an application's own
// output volume: 10^((10 * log3(1/volume)) / 20). A volume of 1 yields 1.
// Non-positive or non-finite volumes yield 1, leaving the signal untouched.
func SignalFactor(volume float32) float64 {
	v := float64(volume)
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 1
	}
	log3 := math.Log(1/v) / math.Log(3)
	return math.Pow(10, (10*log3)/20)
}

// ApplyGainF32LE multiplies every f32le sample in buf by gain in place and
// clips the result to [-1.0, 1.0]. Trailing bytes that do not form a sample
// are left unchanged.
func ApplyGainF32LE(buf []byte, gain float64) {
	for i := 0; i+audiocore.BytesPerSample <= len(buf); i += audiocore.BytesPerSample {
		sample := math.Float32frombits(binary.LittleEndian.Uint32(buf[i:]))

		amplified := float32(float64(sample) * gain)
		if amplified > 1.0 {
			amplified = 1.0
		} else if amplified < -1.0 {
			amplified = -1.0
		}

		binary.LittleEndian.PutUint32(buf[i:], math.Float32bits(amplified))
	}
}

// Normalizer applies volume compensation to captured buffers. It can be
// toggled at runtime; when disabled Process is a no-op.
type Normalizer struct {
	enabled atomic.Bool
	log     logger.Logger
}

// NewNormalizer returns a Normalizer in the given state.
func NewNormalizer(enabled bool) *Normalizer {
	n := &Normalizer{
		log: logger.Global().Module("audiocore").Module("normalize"),
	}
	n.enabled.Store(enabled)
	return n
}

// SetEnabled toggles normalization.
func (n *Normalizer) SetEnabled(enabled bool) {
	if n.enabled.Swap(enabled) != enabled {
		n.log.Info("normalization toggled", logger.Bool("enabled", enabled))
	}
}

// Enabled reports whether normalization is applied.
func (n *Normalizer) Enabled() bool {
	return n.enabled.Load()
}

// Process normalizes buf in place for a source playing at volume and returns
// the applied factor. buf must hold whole f32le samples.
func (n *Normalizer) Process(buf []byte, volume float32) (float64, error) {
	if len(buf)%audiocore.BytesPerSample != 0 {
		return 0, errors.New(audiocore.ErrInvalidAudioFormat).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryValidation).
			Context("buffer_size", len(buf)).
			Context("reason", "buffer is not aligned to f32le samples").
			Build()
	}
	if !n.enabled.Load() {
		return 1, nil
	}

	factor := SignalFactor(volume)
	if factor == 1 {
		return factor, nil
	}
	ApplyGainF32LE(buf, factor)
	return factor, nil
}
