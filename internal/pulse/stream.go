package pulse

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"
)

// RecordingStream is one capture connection pinned to a sink input. Its
// status is driven by the client's adapter goroutine; audio arrives on the
// client's event channel as AudioEvents carrying the stream's ID.
//
// A stream never recovers from Terminated or Failed. Open a new one instead.
type RecordingStream struct {
	id     uint64
	input  SinkInput
	client *Client

	mu     sync.Mutex
	status StreamStatus

	// cbMu orders the data callback against detach
	cbMu     sync.RWMutex
	attached bool

	capture  Capture // adapter-owned
	released bool    // adapter-owned

	lastData atomic.Int64 // unix nanos of the last chunk, or of connect
	bytes    atomic.Uint64
	dropped  atomic.Uint64
}

func newRecordingStream(c *Client, id uint64, input SinkInput) *RecordingStream {
	return &RecordingStream{
		id:       id,
		input:    input,
		client:   c,
		status:   Idle,
		attached: true,
	}
}

// ID identifies the stream in AudioEvents and StatusEvents.
func (s *RecordingStream) ID() uint64 { return s.id }

// Input returns the sink input the stream was opened against.
func (s *RecordingStream) Input() SinkInput { return s.input }

// Status returns the current status.
func (s *RecordingStream) Status() StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// BytesReceived is the total audio delivered by the host.
func (s *RecordingStream) BytesReceived() uint64 { return s.bytes.Load() }

// ChunksDropped counts chunks discarded because the event channel was full.
func (s *RecordingStream) ChunksDropped() uint64 { return s.dropped.Load() }

// Close detaches the data callback, then stops and closes the host stream,
// then marks the stream Terminated. It is safe to call more than once.
func (s *RecordingStream) Close() error {
	c := s.client
	reply := make(chan struct{})

	select {
	case c.requests <- closeStreamRequest{stream: s, reply: reply}:
	case <-c.done:
		// adapter shutdown already released every stream
		s.detach()
		return nil
	}

	select {
	case <-reply:
	case <-c.done:
	}
	return nil
}

// setStatus applies a validated transition and reports whether it happened.
func (s *RecordingStream) setStatus(next StreamStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.status.State, next.State) {
		return false
	}
	s.status = next
	return true
}

func (s *RecordingStream) detach() {
	s.cbMu.Lock()
	s.attached = false
	s.cbMu.Unlock()
}

func (s *RecordingStream) lastActivity() time.Time {
	return time.Unix(0, s.lastData.Load())
}

// deliver runs on the host library's goroutine.
func (s *RecordingStream) deliver(p []byte) {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	if !s.attached || len(p) == 0 {
		return
	}

	s.lastData.Store(time.Now().UnixNano())
	s.bytes.Add(uint64(len(p)))

	select {
	case s.client.events <- AudioEvent{StreamID: s.id, Data: bytes.Clone(p)}:
	default:
		s.dropped.Add(1)
		s.client.warnDropped(s)
	}
}

// streamWriter adapts the host's writer callback to deliver.
type streamWriter struct {
	stream *RecordingStream
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.stream.deliver(p)
	return len(p), nil
}
