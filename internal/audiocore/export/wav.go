// Package export writes captured audio to files. Capture is f32le stereo;
// files are 16-bit PCM WAV so any player can open them.
package export

import (
	"io"
	"math"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/pulsetap/pulsetap/internal/audiocore"
	"github.com/pulsetap/pulsetap/internal/errors"
)

// BitDepth of exported WAV files
const BitDepth = 16

const wavFormatPCM = 1

// WAVWriter streams f32le frames into a WAV encoder. Write accepts whole
// frames only; a trailing partial frame is dropped.
type WAVWriter struct {
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	frames int64
	closed bool
}

// NewWAVWriter starts a WAV stream on w. The header is finalized by Close,
// which is why w must be seekable.
func NewWAVWriter(w io.WriteSeeker) *WAVWriter {
	format := &audio.Format{
		SampleRate:  audiocore.SampleRate,
		NumChannels: audiocore.Channels,
	}
	return &WAVWriter{
		enc: wav.NewEncoder(w, audiocore.SampleRate, BitDepth, audiocore.Channels, wavFormatPCM),
		buf: &audio.IntBuffer{Format: format, SourceBitDepth: BitDepth},
	}
}

// Write converts p to 16-bit samples and encodes them.
func (w *WAVWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.Newf("wav writer is closed").
			Component("export").
			Category(errors.CategoryState).
			Build()
	}

	aligned := p[:audiocore.AlignToFrame(len(p))]
	if len(aligned) == 0 {
		return len(p), nil
	}

	samples := audiocore.DecodeF32LE(nil, aligned)
	w.buf.Data = w.buf.Data[:0]
	for _, v := range samples {
		w.buf.Data = append(w.buf.Data, toInt16(v))
	}

	if err := w.enc.Write(w.buf); err != nil {
		return 0, errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "wav_write").
			Build()
	}

	w.frames += int64(len(aligned) / audiocore.FrameSize)
	return len(p), nil
}

// Frames returns the number of stereo frames written.
func (w *WAVWriter) Frames() int64 {
	return w.frames
}

// Duration returns the playback length written so far.
func (w *WAVWriter) Duration() time.Duration {
	return audiocore.CaptureFormat.Duration(int(w.frames) * audiocore.FrameSize)
}

// Close writes the final header. It does not close the underlying writer.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		return errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "wav_finalize").
			Build()
	}
	return nil
}

func toInt16(v float32) int {
	switch {
	case v != v: // NaN
		return 0
	case v >= 1:
		return math.MaxInt16
	case v <= -1:
		return -math.MaxInt16
	}
	return int(math.Round(float64(v) * math.MaxInt16))
}
