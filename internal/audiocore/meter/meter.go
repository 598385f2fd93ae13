// Package meter implements the peak level meter shown next to the captured source.
package meter

import (
	"math"
	"sync"

	"github.com/pulsetap/pulsetap/internal/audiocore"
)

const (
	// DefaultWindowSize is the rolling window length in samples per channel
	DefaultWindowSize = audiocore.SampleRate / 16

	// DBRange is the dynamic range mapped onto ValueRanged's 0..1
	DBRange = 70.0

	// Smoothing modifiers. Higher values mean less smoothing.
	maxSmoothing = 0.02
	minSmoothing = 0.2

	// smoothingBoundary is the per-tick retention at the smoothing extremes
	smoothingBoundary = 0.99

	// smoothingRelease is how many samples after a peak the release curve takes to flatten
	smoothingRelease = audiocore.SampleRate * 10

	// releaseCurve shapes how the release accelerates the longer the signal stays quiet
	releaseCurve = 0.8
)

// Meter follows the peak envelope of a single channel.
//
// A sample louder than the current value is taken immediately. The value then
// holds while that peak is still inside the window, and afterwards decays with
// a retention factor that starts near 1 and drops toward the minimum as time
// since the peak grows.
type Meter struct {
	mu               sync.Mutex
	windowSize       int
	window           []float32
	value            float32
	samplesSincePeak int
}

// New returns a meter with DefaultWindowSize.
func New() *Meter {
	return NewWithWindow(DefaultWindowSize)
}

// NewWithWindow returns a meter with a window of size samples (minimum 1).
func NewWithWindow(size int) *Meter {
	if size < 1 {
		size = 1
	}
	return &Meter{
		windowSize: size,
		window:     make([]float32, 0, size),
	}
}

// Process feeds one channel's samples into the meter.
func (m *Meter) Process(samples []float32) {
	if len(samples) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.push(samples)

	var peak float32
	for _, s := range m.window {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}

	switch {
	case peak > m.value:
		m.value = peak
		m.samplesSincePeak = 0
	case m.samplesSincePeak < m.windowSize:
		// the last peak is still in the window
		m.samplesSincePeak += len(samples)
	default:
		m.value *= float32(retention(m.samplesSincePeak))
		m.samplesSincePeak += len(samples)
	}
}

// push appends samples and drops the overflow from the front of the window.
func (m *Meter) push(samples []float32) {
	if len(samples) >= m.windowSize {
		m.window = append(m.window[:0], samples[len(samples)-m.windowSize:]...)
		return
	}

	m.window = append(m.window, samples...)
	if over := len(m.window) - m.windowSize; over > 0 {
		n := copy(m.window, m.window[over:])
		m.window = m.window[:n]
	}
}

// retention returns the factor applied to the value per tick, in (0, 1).
func retention(samplesSincePeak int) float64 {
	release := math.Pow(math.Max(1-float64(samplesSincePeak)/smoothingRelease, 0), releaseCurve)

	maxS := (1 - maxSmoothing) + maxSmoothing*smoothingBoundary
	minS := (1 - minSmoothing) + minSmoothing*smoothingBoundary

	return minS + (maxS-minS)*release
}

// Value returns the linear peak value, 0..1 for unclipped audio.
func (m *Meter) Value() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// DBFS returns the value in decibels relative to full scale. Silence is -Inf.
func (m *Meter) DBFS() float32 {
	return toDBFS(m.Value())
}

// ValueRanged maps DBFS onto 0..1 over DBRange decibels, clamped at 0.
func (m *Meter) ValueRanged() float32 {
	return ranged(m.DBFS())
}

func toDBFS(v float32) float32 {
	return float32(20 * math.Log10(float64(v)))
}

func ranged(dbfs float32) float32 {
	r := (DBRange + dbfs) / DBRange
	if r < 0 || math.IsNaN(float64(r)) {
		return 0
	}
	return r
}
