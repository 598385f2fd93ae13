package meter

import (
	"sync"

	"github.com/pulsetap/pulsetap/internal/audiocore"
)

// Levels is a stereo reading
type Levels struct {
	Left  float32 `json:"left"`
	Right float32 `json:"right"`
}

// StereoMeter de-interleaves f32le stereo buffers into two Meters.
type StereoMeter struct {
	left  *Meter
	right *Meter

	mu           sync.Mutex // guards the scratch buffers
	samples      []float32
	leftScratch  []float32
	rightScratch []float32
}

// NewStereo returns a stereo meter with DefaultWindowSize per channel.
func NewStereo() *StereoMeter {
	return &StereoMeter{
		left:  New(),
		right: New(),
	}
}

// Write feeds an interleaved f32le stereo buffer. Trailing partial frames are ignored.
func (s *StereoMeter) Write(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = audiocore.DecodeF32LE(s.samples[:0], buf[:audiocore.AlignToFrame(len(buf))])
	s.process(s.samples)
}

// Process feeds interleaved samples (left, right, left, ...).
func (s *StereoMeter) Process(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.process(samples)
}

func (s *StereoMeter) process(samples []float32) {
	left := s.leftScratch[:0]
	right := s.rightScratch[:0]
	for i := 0; i+1 < len(samples); i += 2 {
		left = append(left, samples[i])
		right = append(right, samples[i+1])
	}
	s.leftScratch, s.rightScratch = left, right

	s.left.Process(left)
	s.right.Process(right)
}

// Value returns the linear peak of each channel.
func (s *StereoMeter) Value() Levels {
	return Levels{Left: s.left.Value(), Right: s.right.Value()}
}

// DBFS returns each channel in dBFS.
func (s *StereoMeter) DBFS() Levels {
	return Levels{Left: s.left.DBFS(), Right: s.right.DBFS()}
}

// ValueRanged returns each channel mapped onto 0..1.
func (s *StereoMeter) ValueRanged() Levels {
	return Levels{Left: s.left.ValueRanged(), Right: s.right.ValueRanged()}
}
