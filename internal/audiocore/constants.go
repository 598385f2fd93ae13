// Package audiocore defines the capture format shared by the pipeline:
// 48 kHz interleaved stereo f32le.
package audiocore

import "time"

// Capture format
const (
	// SampleRate is the capture rate requested from the host audio service
	SampleRate = 48000

	// Channels is the channel count; samples are interleaved left, right
	Channels = 2

	// BytesPerSample is the size of one f32le sample
	BytesPerSample = 4

	// FrameSize is the size of one interleaved stereo frame in bytes
	FrameSize = BytesPerSample * Channels

	// EncodingF32LE names the sample encoding
	EncodingF32LE = "pcm_f32le"

	// DefaultLatency sizes the delivery ring buffer
	DefaultLatency = 50 * time.Millisecond
)

// BufferSize returns the byte size of latency worth of audio, rounded down to whole frames.
// Non-positive latencies fall back to DefaultLatency.
func BufferSize(latency time.Duration) int {
	if latency <= 0 {
		latency = DefaultLatency
	}
	frames := int(latency.Seconds() * SampleRate)
	if frames < 1 {
		frames = 1
	}
	return frames * FrameSize
}

// AlignToFrame rounds n down to a multiple of FrameSize.
func AlignToFrame(n int) int {
	return n / FrameSize * FrameSize
}
