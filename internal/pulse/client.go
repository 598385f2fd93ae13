package pulse

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulsetap/pulsetap/internal/audiocore"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
)

// ErrClientClosed is returned by requests made after Close.
var ErrClientClosed = errors.Newf("audio client is closed").
	Component("pulse").
	Category(errors.CategoryState).
	Build()

// Options tunes the adapter.
type Options struct {
	ConnectTimeout time.Duration // bound on the initial enumeration
	PollInterval   time.Duration // sink input and stream health polling
	SuspendAfter   time.Duration // no data for this long reports Suspended
	Fragment       time.Duration // requested host fragment length
	EventBuffer    int
}

// DefaultOptions returns the settings used when a field is zero.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 5 * time.Second,
		PollInterval:   250 * time.Millisecond,
		SuspendAfter:   time.Second,
		Fragment:       10 * time.Millisecond,
		EventBuffer:    256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.SuspendAfter <= 0 {
		o.SuspendAfter = d.SuspendAfter
	}
	if o.Fragment <= 0 {
		o.Fragment = d.Fragment
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// maxPending bounds control events waiting for a slow consumer
const maxPending = 1024

type closeStreamRequest struct {
	stream *RecordingStream
	reply  chan struct{}
}

type listRequest struct {
	reply chan listResult
}

type listResult struct {
	inputs []SinkInput
	err    error
}

type recordRequest struct {
	input SinkInput
	reply chan recordResult
}

type recordResult struct {
	stream *RecordingStream
	err    error
}

// Client owns the connection to the host audio service.
type Client struct {
	backend Backend
	opts    Options
	log     logger.Logger

	events   chan Event
	requests chan any
	quit     chan struct{}
	done     chan struct{}

	subscribed atomic.Bool
	nextID     atomic.Uint64

	closeOnce   sync.Once
	backendOnce sync.Once
	backendErr  error

	dropLimiter *rate.Limiter
	pollLimiter *rate.Limiter

	// owned by the adapter goroutine
	snapshot map[uint32]SinkInput
	streams  map[uint64]*RecordingStream
	pending  []Event
}

// NewClient starts the adapter goroutine on backend and waits for the first
// enumeration. If it does not complete within ConnectTimeout the client is
// torn down and an error is returned.
func NewClient(ctx context.Context, backend Backend, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	c := &Client{
		backend:     backend,
		opts:        opts,
		log:         GetLogger(),
		events:      make(chan Event, opts.EventBuffer),
		requests:    make(chan any),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		dropLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		pollLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
		snapshot:    make(map[uint32]SinkInput),
		streams:     make(map[uint64]*RecordingStream),
	}

	go c.run(ctx)

	readyCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	inputs, err := c.ListSinkInputs(readyCtx)
	if err != nil {
		c.closeOnce.Do(func() { close(c.quit) })
		// closing the backend unblocks a request that never returns
		_ = c.closeBackend()
		<-c.done
		return nil, errors.New(err).
			Component("pulse").
			Category(errors.CategoryConnection).
			Context("operation", "connect").
			Context("timeout", opts.ConnectTimeout.String()).
			Build()
	}

	c.log.Info("connected to audio service", logger.Int("sink_inputs", len(inputs)))
	return c, nil
}

// SubscribeToEvents enables SinkInputEvents on Events. Changes are diffed
// against the last enumeration, so nothing that happened since construction
// is lost.
func (c *Client) SubscribeToEvents() {
	c.subscribed.Store(true)
}

// Events is the single outbound channel. It is closed when the client shuts down.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ListSinkInputs returns a fresh enumeration. Enumeration errors go to the
// caller only and are not retried.
func (c *Client) ListSinkInputs(ctx context.Context) ([]SinkInput, error) {
	reply := make(chan listResult, 1)
	if err := c.send(ctx, listRequest{reply: reply}); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res.inputs, res.err
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, c.ctxErr(ctx, "list_sink_inputs")
	}
}

// Record opens a capture pinned to input. The returned stream is Connected;
// open failures are returned as errors and the stream is discarded. When ctx
// ends first, a capture the host opens afterwards is closed again.
func (c *Client) Record(ctx context.Context, input SinkInput) (*RecordingStream, error) {
	reply := make(chan recordResult, 1)
	if err := c.send(ctx, recordRequest{input: input, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res.stream, res.err
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		go func() {
			select {
			case res := <-reply:
				if res.stream != nil {
					_ = res.stream.Close()
				}
			case <-c.done:
			}
		}()
		return nil, c.ctxErr(ctx, "record")
	}
}

// Close terminates every open stream, stops the adapter and closes the backend.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return c.closeBackend()
}

func (c *Client) closeBackend() error {
	c.backendOnce.Do(func() {
		c.backendErr = c.backend.Close()
	})
	return c.backendErr
}

func (c *Client) send(ctx context.Context, req any) error {
	select {
	case c.requests <- req:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return c.ctxErr(ctx, "request")
	}
}

func (c *Client) ctxErr(ctx context.Context, op string) error {
	category := errors.CategoryCancellation
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		category = errors.CategoryTimeout
	}
	return errors.New(ctx.Err()).
		Component("pulse").
		Category(category).
		Context("operation", op).
		Build()
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		var out chan<- Event
		var next Event
		if len(c.pending) > 0 {
			out = c.events
			next = c.pending[0]
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.quit:
			c.shutdown()
			return
		case req := <-c.requests:
			c.handle(req)
		case now := <-ticker.C:
			c.poll(now)
		case out <- next:
			c.pending[0] = nil
			c.pending = c.pending[1:]
		}
	}
}

func (c *Client) handle(req any) {
	switch r := req.(type) {
	case listRequest:
		inputs, err := c.backend.ListSinkInputs()
		if err == nil {
			c.apply(inputs)
		}
		r.reply <- listResult{inputs: inputs, err: err}
	case recordRequest:
		s, err := c.open(r.input)
		r.reply <- recordResult{stream: s, err: err}
	case closeStreamRequest:
		c.closeStream(r.stream)
		close(r.reply)
	}
}

func (c *Client) poll(now time.Time) {
	inputs, err := c.backend.ListSinkInputs()
	if err != nil {
		if c.pollLimiter.Allow() {
			c.log.Warn("sink input poll failed", logger.Error(err))
		}
	} else {
		c.apply(inputs)
	}

	for _, s := range c.streams {
		c.checkStream(s, now)
	}
}

// apply replaces the snapshot and emits the difference when subscribed.
// Removals are emitted before additions so a restarted application reads as
// Removed then New.
func (c *Client) apply(inputs []SinkInput) {
	next := make(map[uint32]SinkInput, len(inputs))
	for _, in := range inputs {
		next[in.Index] = in
	}

	if c.subscribed.Load() {
		var removed, added, changed []uint32
		for idx := range c.snapshot {
			if _, ok := next[idx]; !ok {
				removed = append(removed, idx)
			}
		}
		for idx, in := range next {
			prev, ok := c.snapshot[idx]
			switch {
			case !ok:
				added = append(added, idx)
			case prev.differs(in):
				changed = append(changed, idx)
			}
		}
		slices.Sort(removed)
		slices.Sort(added)
		slices.Sort(changed)

		for _, idx := range removed {
			c.emit(SinkInputEvent{Index: idx, Operation: OperationRemoved})
		}
		for _, idx := range added {
			c.emit(SinkInputEvent{Index: idx, Operation: OperationNew})
		}
		for _, idx := range changed {
			c.emit(SinkInputEvent{Index: idx, Operation: OperationChanged})
		}
	}

	c.snapshot = next
}

func (c *Client) emit(ev Event) {
	if len(c.pending) >= maxPending {
		c.log.Warn("event queue full, dropping oldest event", logger.Int("pending", len(c.pending)))
		c.pending[0] = nil
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, ev)
}

func (c *Client) open(input SinkInput) (*RecordingStream, error) {
	if cur, ok := c.snapshot[input.Index]; ok {
		input = cur
	}

	s := newRecordingStream(c, c.nextID.Add(1), input)
	c.transition(s, StreamStatus{State: StateConnecting})

	fragment := audiocore.AlignToFrame(audiocore.BufferSize(c.opts.Fragment))
	capture, err := c.backend.OpenCapture(input, streamWriter{stream: s}, fragment)
	if err != nil {
		s.detach()
		c.transition(s, FailedStatus(err))
		c.log.Warn("failed to open capture",
			logger.Uint32("sink_input", input.Index),
			logger.String("name", input.Name),
			logger.Error(err))
		return nil, err
	}

	s.capture = capture
	s.lastData.Store(time.Now().UnixNano())
	c.streams[s.id] = s
	capture.Start()
	c.transition(s, StreamStatus{State: StateConnected})

	c.log.Info("capture opened",
		logger.Uint64("stream", s.id),
		logger.Uint32("sink_input", input.Index),
		logger.String("name", input.Name))
	return s, nil
}

// checkStream derives Failed, Terminated and Suspended from the host stream
// and the latest snapshot.
func (c *Client) checkStream(s *RecordingStream, now time.Time) {
	if s.Status().State.Terminal() {
		return
	}

	if err := s.capture.Error(); err != nil {
		c.release(s)
		c.transition(s, FailedStatus(err))
		return
	}

	input, present := c.snapshot[s.input.Index]
	if !present || !s.capture.Running() {
		c.release(s)
		c.transition(s, StreamStatus{State: StateTerminated})
		return
	}

	idle := input.Corked || now.Sub(s.lastActivity()) >= c.opts.SuspendAfter
	switch state := s.Status().State; {
	case idle && state == StateConnected:
		c.transition(s, StreamStatus{State: StateSuspended})
	case !idle && state == StateSuspended:
		c.transition(s, StreamStatus{State: StateConnected})
	}
}

func (c *Client) closeStream(s *RecordingStream) {
	c.release(s)
	c.transition(s, StreamStatus{State: StateTerminated})
}

// release detaches the callback before stopping and closing the host stream.
func (c *Client) release(s *RecordingStream) {
	s.detach()
	if s.released {
		return
	}
	s.released = true
	if s.capture != nil {
		s.capture.Stop()
		s.capture.Close()
	}
	delete(c.streams, s.id)
}

func (c *Client) transition(s *RecordingStream, next StreamStatus) {
	prev := s.Status()
	if !s.setStatus(next) {
		return
	}
	c.log.Debug("stream status changed",
		logger.Uint64("stream", s.id),
		logger.String("from", prev.String()),
		logger.String("to", next.String()))
	c.emit(StatusEvent{StreamID: s.id, Status: next})
}

func (c *Client) shutdown() {
	for _, s := range c.streams {
		c.release(s)
		s.setStatus(StreamStatus{State: StateTerminated})
	}
	c.pending = nil
	close(c.events)
	c.log.Debug("audio client adapter stopped")
}

func (c *Client) warnDropped(s *RecordingStream) {
	if c.dropLimiter.Allow() {
		c.log.Warn("event channel full, dropping audio",
			logger.Uint64("stream", s.id),
			logger.Uint64("dropped_total", s.dropped.Load()))
	}
}
