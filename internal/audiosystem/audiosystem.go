// Package audiosystem runs the capture pipeline: it consumes audio client
// events, keeps the source catalog up to date, keeps one capture stream open
// against the current source, and delivers normalized audio to an
// AudioStream and a stereo meter.
package audiosystem

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pulsetap/pulsetap/internal/audiocore"
	"github.com/pulsetap/pulsetap/internal/audiocore/meter"
	"github.com/pulsetap/pulsetap/internal/audiocore/processors"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
	"github.com/pulsetap/pulsetap/internal/observability/metrics"
	"github.com/pulsetap/pulsetap/internal/pulse"
	"github.com/pulsetap/pulsetap/internal/source"
)

// ErrSystemClosed is returned by commands issued after Close.
var ErrSystemClosed = errors.Newf("audio system is closed").
	Component("audiosystem").
	Category(errors.CategoryState).
	Build()

// Client is the part of *pulse.Client the system drives.
type Client interface {
	SubscribeToEvents()
	Events() <-chan pulse.Event
	ListSinkInputs(ctx context.Context) ([]pulse.SinkInput, error)
	Record(ctx context.Context, input pulse.SinkInput) (*pulse.RecordingStream, error)
}

// Config configures the pipeline.
type Config struct {
	Latency         time.Duration // AudioStream depth
	Normalize       bool
	SilenceInterval time.Duration // meter silence feed period while nothing is captured
	PruneInterval   time.Duration
	OpenTimeout     time.Duration // bound on a single capture open
	RetryLimit      int           // reopens of a host-failed capture on the same sink input, 0 disables
	RetryBackoff    time.Duration // delay before the first reopen, doubled for each further one
	Source          source.Config
}

func (c Config) withDefaults() Config {
	if c.Latency <= 0 {
		c.Latency = audiocore.DefaultLatency
	}
	if c.SilenceInterval <= 0 {
		c.SilenceInterval = 50 * time.Millisecond
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 5 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// Snapshot is a read-only view of the pipeline, published by the event
// goroutine after every change.
type Snapshot struct {
	Current   *source.Source     `json:"current"`
	Selected  *source.Source     `json:"selected"`
	Sources   []source.Source    `json:"sources"`
	Status    pulse.StreamStatus `json:"status"`
	StreamID  uint64             `json:"stream_id,omitempty"`
	Normalize bool               `json:"normalize"`
	Levels    meter.Levels       `json:"levels"`
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// System owns the event goroutine, the single writer to the selector, the
// AudioStream and the meter.
type System struct {
	client     Client
	cfg        Config
	log        logger.Logger
	metrics    *metrics.AudioMetrics
	stream     *AudioStream
	meter      *meter.StereoMeter
	normalizer *processors.Normalizer

	commands  chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	snapshot atomic.Pointer[Snapshot]

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}

	// owned by the event goroutine
	selector    *source.Selector
	active      *pulse.RecordingStream
	status      pulse.StreamStatus
	audioSeen   bool
	attempted   bool   // an open was attempted since start
	lastIndex   uint32 // sink input of the last open attempt
	failures    int    // consecutive host failures on lastIndex
	retryAt     time.Time
	silence     []byte
	warnLimiter *rate.Limiter
}

// New loads the catalog from client, subscribes to its events and starts
// the event goroutine. m may be nil.
func New(ctx context.Context, client Client, cfg Config, m *metrics.AudioMetrics) (*System, error) {
	cfg = cfg.withDefaults()

	s := &System{
		client:      client,
		cfg:         cfg,
		log:         GetLogger(),
		metrics:     m,
		stream:      NewAudioStream(cfg.Latency, m),
		meter:       meter.NewStereo(),
		normalizer:  processors.NewNormalizer(cfg.Normalize),
		commands:    make(chan command),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		subs:        make(map[chan struct{}]struct{}),
		selector:    source.NewSelector(client, cfg.Source),
		status:      pulse.Idle,
		silence:     make([]byte, audiocore.BufferSize(cfg.SilenceInterval)),
		warnLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}

	// subscribe first so nothing between the enumeration and the
	// subscription is missed; duplicates reconcile by index
	client.SubscribeToEvents()
	inputs, err := client.ListSinkInputs(ctx)
	if err != nil {
		return nil, errors.New(err).
			Component("audiosystem").
			Category(errors.CategoryAudioSource).
			Context("operation", "initial_enumeration").
			Build()
	}
	s.selector.Refresh(inputs)
	s.publish()

	s.log.Info("audio system started",
		logger.Int("sources", len(inputs)),
		logger.Int("buffer_bytes", s.stream.Capacity()),
		logger.Bool("normalize", cfg.Normalize))

	go s.run(ctx)
	return s, nil
}

// Stream returns the delivery buffer read by the voice client.
func (s *System) Stream() *AudioStream {
	return s.stream
}

// SetNormalize switches volume compensation on or off for audio captured
// from now on.
func (s *System) SetNormalize(ctx context.Context, enabled bool) error {
	return s.do(ctx, func(context.Context) error {
		s.normalizer.SetEnabled(enabled)
		return nil
	})
}

// Snapshot returns the latest published state with live meter levels.
func (s *System) Snapshot() Snapshot {
	snap := *s.snapshot.Load()
	snap.Levels = s.meter.ValueRanged()
	return snap
}

// Status returns the status of the active capture, Idle when none.
func (s *System) Status() pulse.StreamStatus {
	return s.snapshot.Load().Status
}

// Sources returns the catalog, most recently updated first.
func (s *System) Sources() []source.Source {
	return s.snapshot.Load().Sources
}

// CurrentSource returns the source being captured.
func (s *System) CurrentSource() (source.Source, bool) {
	if cur := s.snapshot.Load().Current; cur != nil {
		return *cur, true
	}
	return source.Source{}, false
}

// SelectedSource returns the source the user selected.
func (s *System) SelectedSource() (source.Source, bool) {
	if sel := s.snapshot.Load().Selected; sel != nil {
		return *sel, true
	}
	return source.Source{}, false
}

// Levels returns the ranged stereo meter reading.
func (s *System) Levels() meter.Levels {
	return s.meter.ValueRanged()
}

// Select makes the source with id current and selected and reopens the
// capture against it. A nil id clears the selection and stops capturing.
func (s *System) Select(ctx context.Context, id *uuid.UUID) error {
	return s.do(ctx, func(ctx context.Context) error {
		if err := s.selector.Select(id); err != nil {
			return err
		}
		s.refreshStream(ctx, true)
		return nil
	})
}

// SelectByName selects the available source best matching name.
func (s *System) SelectByName(ctx context.Context, name string) (source.Source, error) {
	var picked source.Source
	err := s.do(ctx, func(ctx context.Context) error {
		src, ok := s.selector.Lookup(name)
		if !ok {
			return errors.New(source.ErrSourceNotFound).
				Component("audiosystem").
				Category(errors.CategoryNotFound).
				Context("name", name).
				Build()
		}
		if err := s.selector.Select(&src.ID); err != nil {
			return err
		}
		picked = src
		s.refreshStream(ctx, true)
		return nil
	})
	return picked, err
}

// Subscribe returns a channel signalled after the current source, the
// selection, the catalog or the stream status changes. Signals coalesce.
// The channel is closed when the system stops; cancel releases it earlier.
func (s *System) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	select {
	case <-s.done:
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Close stops the event goroutine and closes the active capture.
func (s *System) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

// Done is closed when the event goroutine has stopped.
func (s *System) Done() <-chan struct{} {
	return s.done
}

func (s *System) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrSystemClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrSystemClosed
	}
}

func (s *System) run(ctx context.Context) {
	defer close(s.done)
	defer s.shutdown()

	silence := time.NewTicker(s.cfg.SilenceInterval)
	defer silence.Stop()
	prune := time.NewTicker(s.cfg.PruneInterval)
	defer prune.Stop()

	events := s.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case cmd := <-s.commands:
			err := cmd.fn(ctx)
			s.publish()
			cmd.reply <- err
		case ev, ok := <-events:
			if !ok {
				s.log.Error("audio client event channel closed, capture stopped")
				events = nil
				s.closeActive()
				s.status = pulse.StreamStatus{State: pulse.StateTerminated}
				s.publish()
				continue
			}
			s.handle(ctx, ev)
		case <-silence.C:
			s.tickMeter()
			if s.retryDue() {
				s.refreshStream(ctx, false)
				s.publish()
			}
		case <-prune.C:
			if s.selector.Prune() > 0 {
				s.publish()
			}
		}
	}
}

func (s *System) handle(ctx context.Context, ev pulse.Event) {
	switch e := ev.(type) {
	case pulse.AudioEvent:
		s.handleAudio(e)
	case pulse.SinkInputEvent:
		s.handleSinkInput(ctx, e)
	case pulse.StatusEvent:
		s.handleStatus(e)
	}
}

func (s *System) handleSinkInput(ctx context.Context, ev pulse.SinkInputEvent) {
	if err := s.selector.HandleEvent(ctx, ev); err != nil {
		s.log.Warn("sink input event not applied",
			logger.Uint32("sink_input", ev.Index),
			logger.String("operation", ev.Operation.String()),
			logger.Error(err))
	}
	s.selector.Restore()
	s.refreshStream(ctx, false)
	s.publish()
}

func (s *System) handleStatus(ev pulse.StatusEvent) {
	if s.active == nil || ev.StreamID != s.active.ID() {
		return
	}
	s.status = ev.Status

	switch {
	case ev.Status.IsTimeout():
		s.log.Warn("capture timed out, waiting for the source to reappear",
			logger.Uint64("stream", ev.StreamID),
			logger.String("status", ev.Status.String()))
		s.recordFailure(ev.Status)
		s.selector.Invalidate()
		s.closeActive()
	case ev.Status.State == pulse.StateFailed:
		s.log.Warn("capture failed",
			logger.Uint64("stream", ev.StreamID),
			logger.String("status", ev.Status.String()))
		s.recordFailure(ev.Status)
		s.closeActive()
		s.scheduleRetry()
	case ev.Status.State == pulse.StateConnected:
		s.failures = 0
	case ev.Status.State == pulse.StateTerminated:
		s.closeActive()
	}
	s.publish()
}

func (s *System) handleAudio(ev pulse.AudioEvent) {
	if s.active == nil || ev.StreamID != s.active.ID() {
		return
	}
	cur, ok := s.selector.CurrentSource()
	if !ok {
		return
	}

	factor, err := s.normalizer.Process(ev.Data, cur.Volume)
	if err != nil {
		if s.warnLimiter.Allow() {
			s.log.Warn("dropping malformed audio chunk",
				logger.Int("bytes", len(ev.Data)),
				logger.Error(err))
		}
		return
	}

	s.meter.Write(ev.Data)
	_, _ = s.stream.Write(ev.Data)
	s.audioSeen = true
	s.failures = 0

	if s.metrics != nil {
		s.metrics.RecordAudio(len(ev.Data), factor)
	}
}

// tickMeter feeds silence to the meter when no audio arrived since the last
// tick, so the level decays instead of freezing.
func (s *System) tickMeter() {
	if !s.audioSeen {
		s.meter.Write(s.silence)
	}
	s.audioSeen = false

	if s.metrics != nil {
		levels := s.meter.ValueRanged()
		s.metrics.SetMeterLevels(levels.Left, levels.Right)
	}
}

// refreshStream makes the open capture match the current source. With force
// the capture is reopened even when it already targets the right index, and
// a cleared selection resets the status to Idle.
func (s *System) refreshStream(ctx context.Context, force bool) {
	cur, ok := s.selector.CurrentSource()
	if !ok {
		if s.active != nil || force {
			s.closeActive()
			s.status = pulse.Idle
		}
		return
	}
	if !force {
		if s.active != nil && s.active.Input().Index == cur.Index {
			return
		}
		// a host failure on this index is reopened after a backoff until the
		// retry limit; past it only a new index or an explicit select reopens
		if s.active == nil && s.status.State == pulse.StateFailed && s.attempted && s.lastIndex == cur.Index {
			if s.failures > s.cfg.RetryLimit || time.Now().Before(s.retryAt) {
				return
			}
			s.log.Info("retrying capture",
				logger.String("source", cur.Name),
				logger.Uint32("sink_input", cur.Index),
				logger.Int("attempt", s.failures))
		}
	}
	if force {
		s.failures = 0
	}
	s.open(ctx, cur)
}

// scheduleRetry counts a host failure on lastIndex and sets the earliest
// time the same sink input may be reopened.
func (s *System) scheduleRetry() {
	s.failures++
	if s.failures > s.cfg.RetryLimit {
		s.log.Warn("capture retries exhausted, waiting for a new sink input or selection",
			logger.Uint32("sink_input", s.lastIndex),
			logger.Int("failures", s.failures))
		return
	}
	s.retryAt = time.Now().Add(s.cfg.RetryBackoff << (s.failures - 1))
	s.log.Debug("capture retry scheduled",
		logger.Uint32("sink_input", s.lastIndex),
		logger.Int("failures", s.failures),
		logger.Time("retry_at", s.retryAt))
}

// retryDue reports whether a failed capture is waiting for a reopen whose
// backoff has elapsed.
func (s *System) retryDue() bool {
	return s.active == nil &&
		s.status.State == pulse.StateFailed &&
		s.failures > 0 && s.failures <= s.cfg.RetryLimit &&
		!time.Now().Before(s.retryAt)
}

func (s *System) open(ctx context.Context, cur source.Source) {
	s.closeActive()
	s.status = pulse.Idle

	if !s.attempted || s.lastIndex != cur.Index {
		s.failures = 0
	}
	s.attempted, s.lastIndex = true, cur.Index
	openCtx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	rs, err := s.client.Record(openCtx, pulse.SinkInput{Index: cur.Index, Name: cur.Name})
	cancel()
	if err != nil {
		s.status = pulse.FailedStatus(err)
		s.recordFailure(s.status)
		s.log.Warn("failed to open capture",
			logger.String("source", cur.Name),
			logger.Uint32("sink_input", cur.Index),
			logger.String("status", s.status.String()),
			logger.Error(err))
		if s.status.IsTimeout() {
			s.selector.Invalidate()
		} else {
			s.scheduleRetry()
		}
		return
	}

	s.active = rs
	if s.metrics != nil {
		s.metrics.RecordStreamOpened()
	}
	s.log.Info("capturing source",
		logger.String("source", cur.Name),
		logger.String("application", cur.Application),
		logger.Uint32("sink_input", cur.Index),
		logger.Float32("volume", cur.Volume),
		logger.Uint64("stream", rs.ID()))
}

func (s *System) closeActive() {
	if s.active == nil {
		return
	}
	rs := s.active
	s.active = nil
	if err := rs.Close(); err != nil {
		s.log.Warn("failed to close capture", logger.Uint64("stream", rs.ID()), logger.Error(err))
		return
	}
	s.log.Debug("capture closed",
		logger.Uint64("stream", rs.ID()),
		logger.Uint64("bytes", rs.BytesReceived()),
		logger.Uint64("dropped_chunks", rs.ChunksDropped()))
}

func (s *System) recordFailure(st pulse.StreamStatus) {
	if s.metrics != nil {
		s.metrics.RecordStreamFailure(st.Reason.String())
	}
}

// publish stores a new snapshot and signals subscribers when it differs
// from the previous one.
func (s *System) publish() {
	next := &Snapshot{
		Sources:   s.selector.Sources(),
		Status:    s.status,
		Normalize: s.normalizer.Enabled(),
	}
	if cur, ok := s.selector.CurrentSource(); ok {
		next.Current = &cur
	}
	if sel, ok := s.selector.SelectedSource(); ok {
		next.Selected = &sel
	}
	if s.active != nil {
		next.StreamID = s.active.ID()
	}

	prev := s.snapshot.Swap(next)

	if s.metrics != nil {
		available := 0
		for _, src := range next.Sources {
			if src.Available {
				available++
			}
		}
		s.metrics.UpdateSources(len(next.Sources), available)
		s.metrics.SetStreamState(next.Status.State.String(), stateNames)
	}

	if prev == nil || changed(prev, next) {
		s.notify()
	}
}

var stateNames = func() []string {
	names := make([]string, 0, len(pulse.AllStates))
	for _, st := range pulse.AllStates {
		names = append(names, st.String())
	}
	return names
}()

func changed(a, b *Snapshot) bool {
	return a.Status != b.Status ||
		a.StreamID != b.StreamID ||
		a.Normalize != b.Normalize ||
		!sameSource(a.Current, b.Current) ||
		!sameSource(a.Selected, b.Selected) ||
		!slices.Equal(a.Sources, b.Sources)
}

func sameSource(a, b *source.Source) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *System) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *System) shutdown() {
	s.closeActive()
	s.status = pulse.Idle
	s.publish()

	s.subMu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subMu.Unlock()

	s.log.Info("audio system stopped")
}
