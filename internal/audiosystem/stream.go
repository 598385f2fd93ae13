package audiosystem

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
	"golang.org/x/time/rate"

	"github.com/pulsetap/pulsetap/internal/audiocore"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
	"github.com/pulsetap/pulsetap/internal/observability/metrics"
)

// AudioStream is the delivery buffer between the event goroutine (single
// writer) and the voice client (single reader). It holds at most its
// capacity of audio; when the reader falls behind the oldest frames are
// overwritten. Reads and writes always move whole stereo frames.
type AudioStream struct {
	mu      sync.Mutex
	rb      *ringbuffer.RingBuffer
	scratch []byte

	overflow atomic.Uint64
	limiter  *rate.Limiter
	log      logger.Logger
	metrics  *metrics.AudioMetrics
}

// NewAudioStream returns a stream holding latency worth of audio.
func NewAudioStream(latency time.Duration, m *metrics.AudioMetrics) *AudioStream {
	capacity := audiocore.BufferSize(latency)
	return &AudioStream{
		rb:      ringbuffer.New(capacity),
		scratch: make([]byte, capacity),
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
		log:     GetLogger().With(logger.String("component", "audio_stream")),
		metrics: m,
	}
}

// Write appends the whole frames of p, discarding the oldest buffered frames
// to make room. A trailing partial frame is dropped. It never fails.
func (s *AudioStream) Write(p []byte) (int, error) {
	total := len(p)
	p = p[:audiocore.AlignToFrame(len(p))]
	if len(p) == 0 {
		return total, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := s.rb.Capacity()
	var lost int
	if len(p) > capacity {
		lost = len(p) - capacity
		p = p[lost:]
	}
	if need := len(p) - s.rb.Free(); need > 0 {
		// buffered data is always whole frames, so need is too
		n, _ := s.rb.Read(s.scratch[:need])
		lost += n
	}
	if _, err := s.rb.Write(p); err != nil {
		lost += len(p)
	}

	if lost > 0 {
		s.overflow.Add(uint64(lost))
		if s.metrics != nil {
			s.metrics.RecordOverflow(lost)
		}
		if s.limiter.Allow() {
			s.log.Warn("audio stream overflow, reader is falling behind",
				logger.Int("overwritten_bytes", lost),
				logger.Uint64("overflow_total", s.overflow.Load()),
				logger.Int("capacity", capacity))
		}
	}
	if s.metrics != nil {
		s.metrics.SetBuffered(s.rb.Length())
	}
	return total, nil
}

// Read copies buffered audio into buf, up to the largest whole number of
// frames that fits. It returns 0 when nothing is buffered and never returns
// io.EOF: an idle capture is silence, not the end of the stream.
func (s *AudioStream) Read(buf []byte) (int, error) {
	want := audiocore.AlignToFrame(len(buf))
	if want == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rb.Length() == 0 {
		return 0, nil
	}
	n, err := s.rb.Read(buf[:want])
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return n, err
	}
	return n, nil
}

// Clear drops all buffered audio.
func (s *AudioStream) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rb.Reset()
}

// Buffered returns the number of bytes waiting to be read.
func (s *AudioStream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rb.Length()
}

// Capacity returns the buffer size in bytes.
func (s *AudioStream) Capacity() int {
	return s.rb.Capacity()
}

// OverflowBytes returns how many bytes were overwritten or dropped since creation.
func (s *AudioStream) OverflowBytes() uint64 {
	return s.overflow.Load()
}

// Pump copies audio from the stream to w every interval until ctx ends or
// limit bytes (rounded down to whole frames) were copied. A non-positive limit copies until ctx ends. It
// returns the number of bytes copied and ctx.Err() when cancelled.
func (s *AudioStream) Pump(ctx context.Context, w io.Writer, interval time.Duration, limit int64) (int64, error) {
	if limit > 0 {
		limit = int64(audiocore.AlignToFrame(int(limit)))
		if limit == 0 {
			return 0, nil
		}
	}

	buf := make([]byte, s.Capacity())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var total int64
	for {
		for {
			want := len(buf)
			if limit > 0 {
				want = int(min(int64(want), limit-total))
			}
			n, _ := s.Read(buf[:want])
			if n == 0 {
				break
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			if limit > 0 && total >= limit {
				return total, nil
			}
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-ticker.C:
		}
	}
}
