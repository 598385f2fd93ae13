package pulse_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/pulse"
	"github.com/pulsetap/pulsetap/internal/pulse/pulsetest"
)

const waitTimeout = 2 * time.Second

func testOptions() pulse.Options {
	return pulse.Options{
		ConnectTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
		SuspendAfter:   time.Hour,
	}
}

func newClient(t *testing.T, backend *pulsetest.Backend, opts pulse.Options) *pulse.Client {
	t.Helper()
	c, err := pulse.NewClient(context.Background(), backend, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// nextEvent returns the first event of type T accepted by match, discarding others.
func nextEvent[T pulse.Event](t *testing.T, c *pulse.Client, match func(T) bool) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "event channel closed")
			if typed, ok := ev.(T); ok && (match == nil || match(typed)) {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func statusOf(id uint64) func(pulse.StatusEvent) bool {
	return func(ev pulse.StatusEvent) bool { return ev.StreamID == id }
}

func TestNewClientTimesOutOnHungService(t *testing.T) {
	backend := pulsetest.NewBackend()
	backend.Hang()

	opts := testOptions()
	opts.ConnectTimeout = 50 * time.Millisecond

	start := time.Now()
	c, err := pulse.NewClient(context.Background(), backend, opts)
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Less(t, time.Since(start), waitTimeout)
	assert.True(t, errors.IsCategory(err, errors.CategoryConnection))
	assert.True(t, backend.Closed())
}

func TestNewClientFailsWhenEnumerationFails(t *testing.T) {
	backend := pulsetest.NewBackend()
	backend.SetListError(errors.NewStd("connection refused"))

	c, err := pulse.NewClient(context.Background(), backend, testOptions())
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestListSinkInputs(t *testing.T) {
	backend := pulsetest.NewBackend(
		pulsetest.Input(1, "VLC", "vlc"),
		pulsetest.Input(2, "Firefox", "firefox"),
	)
	c := newClient(t, backend, testOptions())

	inputs, err := c.ListSinkInputs(context.Background())
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, "vlc", inputs[0].Prop(pulse.PropApplicationBinary))

	backend.SetListError(errors.NewStd("no permission"))
	_, err = c.ListSinkInputs(context.Background())
	require.Error(t, err, "enumeration errors reach the caller")
}

func TestSinkInputEventsRequireSubscription(t *testing.T) {
	backend := pulsetest.NewBackend()
	c := newClient(t, backend, testOptions())

	backend.Set(pulsetest.Input(7, "early", "app"))
	seen := backend.Lists()
	require.Eventually(t, func() bool { return backend.Lists() > seen+1 }, waitTimeout, time.Millisecond)

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event before subscription: %#v", ev)
	default:
	}
}

func TestSinkInputEvents(t *testing.T) {
	backend := pulsetest.NewBackend()
	c := newClient(t, backend, testOptions())
	c.SubscribeToEvents()

	backend.Set(pulsetest.Input(3, "VLC", "vlc"))
	ev := nextEvent[pulse.SinkInputEvent](t, c, nil)
	assert.Equal(t, pulse.SinkInputEvent{Index: 3, Operation: pulse.OperationNew}, ev)

	in := pulsetest.Input(3, "VLC", "vlc")
	in.Volume = 0.5
	backend.Set(in)
	ev = nextEvent[pulse.SinkInputEvent](t, c, nil)
	assert.Equal(t, pulse.SinkInputEvent{Index: 3, Operation: pulse.OperationChanged}, ev)

	backend.Remove(3)
	ev = nextEvent[pulse.SinkInputEvent](t, c, nil)
	assert.Equal(t, pulse.SinkInputEvent{Index: 3, Operation: pulse.OperationRemoved}, ev)
}

func TestRestartEmitsRemovedBeforeNew(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC", "vlc"))
	c := newClient(t, backend, testOptions())
	c.SubscribeToEvents()

	backend.Replace(1, pulsetest.Input(9, "VLC", "vlc"))

	first := nextEvent[pulse.SinkInputEvent](t, c, nil)
	second := nextEvent[pulse.SinkInputEvent](t, c, nil)
	assert.Equal(t, pulse.SinkInputEvent{Index: 1, Operation: pulse.OperationRemoved}, first)
	assert.Equal(t, pulse.SinkInputEvent{Index: 9, Operation: pulse.OperationNew}, second)
}

func TestRecordLifecycle(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(4, "VLC", "vlc"))
	c := newClient(t, backend, testOptions())

	inputs, err := c.ListSinkInputs(context.Background())
	require.NoError(t, err)

	stream, err := c.Record(context.Background(), inputs[0])
	require.NoError(t, err)
	assert.Equal(t, pulse.StateConnected, stream.Status().State)
	assert.Equal(t, uint32(4), stream.Input().Index)

	assert.Equal(t, pulse.StateConnecting, nextEvent(t, c, statusOf(stream.ID())).Status.State)
	assert.Equal(t, pulse.StateConnected, nextEvent(t, c, statusOf(stream.ID())).Status.State)

	capture := backend.LastCapture()
	require.NotNil(t, capture)
	assert.Positive(t, capture.FragmentSize())

	capture.Push([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	audio := nextEvent[pulse.AudioEvent](t, c, nil)
	assert.Equal(t, stream.ID(), audio.StreamID)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, audio.Data)
	assert.Equal(t, uint64(8), stream.BytesReceived())

	// a callback racing with teardown must not be delivered
	capture.OnStop = func() { capture.Push([]byte{9, 9, 9, 9, 9, 9, 9, 9}) }
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	assert.True(t, capture.Closed())
	assert.Equal(t, pulse.StateTerminated, stream.Status().State)

	ev := nextEvent(t, c, statusOf(stream.ID()))
	assert.Equal(t, pulse.StateTerminated, ev.Status.State)
	select {
	case ev := <-c.Events():
		if a, ok := ev.(pulse.AudioEvent); ok {
			t.Fatalf("audio delivered after detach: %v", a.Data)
		}
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, uint64(8), stream.BytesReceived())
}

func TestRecordOpenFailure(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(4, "VLC", "vlc"))
	c := newClient(t, backend, testOptions())

	openErr := errors.NewStd("access denied")
	backend.SetOpenError(openErr)

	stream, err := c.Record(context.Background(), pulsetest.Input(4, "VLC", "vlc"))
	require.ErrorIs(t, err, openErr)
	assert.Nil(t, stream)
}

func TestRecordGivesUpWhenHostHangs(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(4, "VLC", "vlc"))
	c := newClient(t, backend, testOptions())
	release := backend.HangOpen()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stream, err := c.Record(ctx, pulsetest.Input(4, "VLC", "vlc"))
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))
	assert.Equal(t, pulse.ReasonTimeout, pulse.FailedStatus(err).Reason)

	// the late capture has no owner and is released
	release()
	require.Eventually(t, func() bool {
		capture := backend.LastCapture()
		return capture != nil && capture.Closed()
	}, waitTimeout, time.Millisecond)
}

func TestStreamFailureReasons(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason pulse.FailureReason
	}{
		{"timeout", errors.NewStd("Timeout"), pulse.ReasonTimeout},
		{"host", errors.NewStd("stream killed"), pulse.ReasonHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := pulsetest.NewBackend(pulsetest.Input(4, "VLC", "vlc"))
			c := newClient(t, backend, testOptions())

			stream, err := c.Record(context.Background(), pulsetest.Input(4, "VLC", "vlc"))
			require.NoError(t, err)

			backend.LastCapture().Fail(tt.err)

			ev := nextEvent(t, c, func(ev pulse.StatusEvent) bool {
				return ev.StreamID == stream.ID() && ev.Status.State == pulse.StateFailed
			})
			assert.Equal(t, tt.reason, ev.Status.Reason)
			assert.True(t, backend.LastCapture().Closed())

			// Failed is terminal
			require.NoError(t, stream.Close())
			assert.Equal(t, pulse.StateFailed, stream.Status().State)
		})
	}
}

func TestStreamSuspendsWhenCorked(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(4, "VLC", "vlc"))
	c := newClient(t, backend, testOptions())

	stream, err := c.Record(context.Background(), pulsetest.Input(4, "VLC", "vlc"))
	require.NoError(t, err)

	corked := pulsetest.Input(4, "VLC", "vlc")
	corked.Corked = true
	backend.Set(corked)

	ev := nextEvent(t, c, func(ev pulse.StatusEvent) bool {
		return ev.StreamID == stream.ID() && ev.Status.State == pulse.StateSuspended
	})
	assert.Equal(t, pulse.StateSuspended, ev.Status.State)

	backend.Set(pulsetest.Input(4, "VLC", "vlc"))
	ev = nextEvent(t, c, func(ev pulse.StatusEvent) bool {
		return ev.StreamID == stream.ID() && ev.Status.State == pulse.StateConnected
	})
	assert.Equal(t, pulse.StateConnected, stream.Status().State)
}

func TestStreamSuspendsWithoutData(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(4, "VLC", "vlc"))
	opts := testOptions()
	opts.SuspendAfter = 30 * time.Millisecond
	c := newClient(t, backend, opts)

	stream, err := c.Record(context.Background(), pulsetest.Input(4, "VLC", "vlc"))
	require.NoError(t, err)

	nextEvent(t, c, func(ev pulse.StatusEvent) bool {
		return ev.StreamID == stream.ID() && ev.Status.State == pulse.StateSuspended
	})

	backend.LastCapture().Push(make([]byte, 64))
	nextEvent(t, c, func(ev pulse.StatusEvent) bool {
		return ev.StreamID == stream.ID() && ev.Status.State == pulse.StateConnected
	})
}

func TestStreamTerminatesWhenSinkInputDisappears(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(4, "VLC", "vlc"))
	c := newClient(t, backend, testOptions())

	stream, err := c.Record(context.Background(), pulsetest.Input(4, "VLC", "vlc"))
	require.NoError(t, err)

	backend.Remove(4)
	nextEvent(t, c, func(ev pulse.StatusEvent) bool {
		return ev.StreamID == stream.ID() && ev.Status.State == pulse.StateTerminated
	})
	assert.True(t, backend.LastCapture().Closed())
}

func TestCloseTerminatesStreamsAndClosesEvents(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(4, "VLC", "vlc"))
	c, err := pulse.NewClient(context.Background(), backend, testOptions())
	require.NoError(t, err)

	stream, err := c.Record(context.Background(), pulsetest.Input(4, "VLC", "vlc"))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, pulse.StateTerminated, stream.Status().State)
	assert.True(t, backend.LastCapture().Closed())
	assert.True(t, backend.Closed())

	for range c.Events() {
	}

	_, err = c.ListSinkInputs(context.Background())
	require.ErrorIs(t, err, pulse.ErrClientClosed)
	require.NoError(t, stream.Close())
}
