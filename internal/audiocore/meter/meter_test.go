package meter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetap/pulsetap/internal/audiocore"
)

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMeterAttackIsInstant(t *testing.T) {
	t.Parallel()

	m := New()
	m.Process([]float32{0, 0.1, -0.6, 0.2})

	assert.InDelta(t, 0.6, m.Value(), 1e-6, "absolute peak is taken immediately")
}

func TestMeterDecayIsMonotonic(t *testing.T) {
	t.Parallel()

	const window = 100
	m := NewWithWindow(window)
	m.Process(constant(10, 0.8))
	peak := m.Value()
	require.InDelta(t, 0.8, peak, 1e-6)

	prev := peak
	silence := constant(10, 0)
	var decayed bool
	for i := 0; i < 5000; i++ {
		m.Process(silence)
		v := m.Value()

		assert.LessOrEqual(t, v, prev, "tick %d increased", i)
		assert.LessOrEqual(t, v, peak)
		assert.GreaterOrEqual(t, v, float32(0))
		if v < peak {
			decayed = true
		}
		prev = v
	}

	assert.True(t, decayed, "value must release once the peak leaves the window")
	assert.Less(t, prev, peak*0.5)
}

func TestMeterHoldsWhilePeakInWindow(t *testing.T) {
	t.Parallel()

	m := NewWithWindow(100)
	m.Process(constant(10, 0.5))

	for i := 0; i < 9; i++ {
		m.Process(constant(10, 0))
		assert.InDelta(t, 0.5, m.Value(), 1e-6)
	}
}

func TestMeterNewLargerPeakSnapsUp(t *testing.T) {
	t.Parallel()

	m := NewWithWindow(10)
	m.Process(constant(10, 0.3))
	for i := 0; i < 50; i++ {
		m.Process(constant(10, 0))
	}
	require.Less(t, m.Value(), float32(0.3))

	m.Process([]float32{0.9})
	assert.InDelta(t, 0.9, m.Value(), 1e-6)
}

func TestRetentionBounds(t *testing.T) {
	t.Parallel()

	fresh := retention(0)
	late := retention(smoothingRelease * 2)

	assert.InDelta(t, 0.9998, fresh, 1e-9)
	assert.InDelta(t, 0.998, late, 1e-9)
	assert.Greater(t, fresh, late, "decay accelerates the longer the signal stays quiet")
	assert.Less(t, fresh, 1.0)
}

func TestDBFSAndRanged(t *testing.T) {
	t.Parallel()

	m := New()
	assert.InDelta(t, 0, m.ValueRanged(), 1e-9, "silence maps to the bottom of the range")
	assert.True(t, math.IsInf(float64(m.DBFS()), -1))

	m.Process([]float32{0.1})
	assert.InDelta(t, -20, m.DBFS(), 1e-4)
	assert.InDelta(t, 50.0/70.0, m.ValueRanged(), 1e-4)

	m.Process([]float32{1})
	assert.InDelta(t, 0, m.DBFS(), 1e-6)
	assert.InDelta(t, 1, m.ValueRanged(), 1e-6)
}

func TestStereoMeterDeinterleaves(t *testing.T) {
	t.Parallel()

	s := NewStereo()
	buf := audiocore.EncodeF32LE(nil, []float32{0.5, -0.25, 0.1, 0.2})
	// trailing partial frame is ignored
	buf = append(buf, 0xff, 0xff, 0x7f)
	s.Write(buf)

	v := s.Value()
	assert.InDelta(t, 0.5, v.Left, 1e-6)
	assert.InDelta(t, 0.25, v.Right, 1e-6)

	r := s.ValueRanged()
	assert.Greater(t, r.Left, r.Right)
}
