package audiocore

import (
	"encoding/binary"
	"math"
	"time"
)

// AudioFormat describes the format of audio data
type AudioFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Encoding   string
}

// CaptureFormat is the only format the pipeline produces.
var CaptureFormat = AudioFormat{
	SampleRate: SampleRate,
	Channels:   Channels,
	BitDepth:   BytesPerSample * 8,
	Encoding:   EncodingF32LE,
}

// FrameSize returns bytes per interleaved frame
func (f AudioFormat) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// Duration returns the playback duration of n bytes
func (f AudioFormat) Duration(n int) time.Duration {
	frameSize := f.FrameSize()
	if frameSize == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := n / frameSize
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// DecodeF32LE appends the f32le samples in buf to dst. Trailing bytes that do
// not form a whole sample are ignored.
func DecodeF32LE(dst []float32, buf []byte) []float32 {
	for i := 0; i+BytesPerSample <= len(buf); i += BytesPerSample {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(buf[i:])))
	}
	return dst
}

// EncodeF32LE appends samples to dst as f32le bytes.
func EncodeF32LE(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}
