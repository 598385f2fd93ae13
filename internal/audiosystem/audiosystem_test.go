package audiosystem_test

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetap/pulsetap/internal/audiocore"
	"github.com/pulsetap/pulsetap/internal/audiocore/processors"
	"github.com/pulsetap/pulsetap/internal/audiosystem"
	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/pulse"
	"github.com/pulsetap/pulsetap/internal/pulse/pulsetest"
	"github.com/pulsetap/pulsetap/internal/source"
)

const (
	waitTimeout = 2 * time.Second
	tick        = time.Millisecond
)

func testConfig() audiosystem.Config {
	return audiosystem.Config{
		Latency:         time.Second,
		Normalize:       true,
		SilenceInterval: 10 * time.Millisecond,
	}
}

func newSystem(t *testing.T, backend *pulsetest.Backend, cfg audiosystem.Config) *audiosystem.System {
	t.Helper()

	client, err := pulse.NewClient(context.Background(), backend, pulse.Options{
		ConnectTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
		SuspendAfter:   time.Hour,
	})
	require.NoError(t, err)

	sys, err := audiosystem.New(context.Background(), client, cfg, nil)
	if err != nil {
		_ = client.Close()
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		_ = sys.Close()
		_ = client.Close()
	})
	return sys
}

func findSource(t *testing.T, sys *audiosystem.System, name string) source.Source {
	t.Helper()
	for _, src := range sys.Sources() {
		if src.Name == name {
			return src
		}
	}
	t.Fatalf("source %q not in catalog", name)
	return source.Source{}
}

func selectSource(t *testing.T, sys *audiosystem.System, src source.Source) {
	t.Helper()
	id := src.ID
	require.NoError(t, sys.Select(context.Background(), &id))
}

func connected(sys *audiosystem.System) func() bool {
	return func() bool { return sys.Status().State == pulse.StateConnected }
}

func samples(value float32, frames int) []byte {
	s := make([]float32, frames*audiocore.Channels)
	for i := range s {
		s[i] = value
	}
	return audiocore.EncodeF32LE(nil, s)
}

func TestSourceRestartKeepsIdentityAndReopensCapture(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	sys := newSystem(t, backend, testConfig())

	assert.Equal(t, pulse.StateIdle, sys.Status().State)

	vlc := findSource(t, sys, "VLC media player")
	selectSource(t, sys, vlc)

	require.Eventually(t, connected(sys), waitTimeout, tick)
	first := backend.LastCapture()
	require.NotNil(t, first)
	assert.Equal(t, uint32(1), first.Input().Index)

	first.Push(samples(0.25, 480))
	require.Eventually(t, func() bool { return sys.Stream().Buffered() > 0 }, waitTimeout, tick)

	backend.Replace(1, pulsetest.Input(7, "VLC media player", "vlc"))

	require.Eventually(t, func() bool {
		c := backend.LastCapture()
		return c != first && c.Input().Index == 7 && sys.Status().State == pulse.StateConnected
	}, waitTimeout, tick)
	assert.True(t, first.Closed(), "the old capture is released")

	cur, ok := sys.CurrentSource()
	require.True(t, ok)
	assert.Equal(t, vlc.ID, cur.ID, "same logical source after the restart")
	assert.Equal(t, uint32(7), cur.Index)

	sel, ok := sys.SelectedSource()
	require.True(t, ok)
	assert.Equal(t, vlc.ID, sel.ID)

	var vlcs int
	for _, src := range sys.Sources() {
		if src.Application == "vlc" {
			vlcs++
		}
	}
	assert.Equal(t, 1, vlcs, "no second catalog entry for the restarted application")
	assert.Len(t, backend.Captures(), 2)
}

func TestAudioIsNormalizedIntoStreamAndMeter(t *testing.T) {
	in := pulsetest.Input(1, "VLC media player", "vlc")
	in.Volume = 0.5
	backend := pulsetest.NewBackend(in)
	sys := newSystem(t, backend, testConfig())

	selectSource(t, sys, findSource(t, sys, "VLC media player"))
	require.Eventually(t, connected(sys), waitTimeout, tick)

	backend.LastCapture().Push(samples(0.1, 4))

	buf := make([]byte, 4*audiocore.FrameSize)
	require.Eventually(t, func() bool { return sys.Stream().Buffered() == len(buf) }, waitTimeout, tick)
	n, err := sys.Stream().Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	want := float32(0.1 * processors.SignalFactor(0.5))
	for _, v := range audiocore.DecodeF32LE(nil, buf) {
		assert.InDelta(t, want, v, 1e-6)
	}

	levels := sys.Levels()
	assert.Positive(t, levels.Left)
	assert.Positive(t, levels.Right)
}

func TestSetNormalizeDisablesCompensation(t *testing.T) {
	in := pulsetest.Input(1, "VLC media player", "vlc")
	in.Volume = 0.5
	backend := pulsetest.NewBackend(in)
	sys := newSystem(t, backend, testConfig())
	assert.True(t, sys.Snapshot().Normalize)

	require.NoError(t, sys.SetNormalize(context.Background(), false))
	assert.False(t, sys.Snapshot().Normalize)

	selectSource(t, sys, findSource(t, sys, "VLC media player"))
	require.Eventually(t, connected(sys), waitTimeout, tick)

	backend.LastCapture().Push(samples(0.1, 4))

	buf := make([]byte, 4*audiocore.FrameSize)
	require.Eventually(t, func() bool { return sys.Stream().Buffered() == len(buf) }, waitTimeout, tick)
	_, err := sys.Stream().Read(buf)
	require.NoError(t, err)
	for _, v := range audiocore.DecodeF32LE(nil, buf) {
		assert.InDelta(t, 0.1, v, 1e-6, "audio passes through unscaled")
	}
}

func TestMeterDecaysWhenAudioStops(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	sys := newSystem(t, backend, testConfig())

	selectSource(t, sys, findSource(t, sys, "VLC media player"))
	require.Eventually(t, connected(sys), waitTimeout, tick)

	backend.LastCapture().Push(samples(0.9, 480))
	require.Eventually(t, func() bool { return sys.Levels().Left > 0 }, waitTimeout, tick)
	peak := sys.Levels().Left

	require.Eventually(t, func() bool { return sys.Levels().Left < peak }, waitTimeout, tick)
	assert.GreaterOrEqual(t, sys.Levels().Left, float32(0))
}

func TestTimeoutInvalidatesCurrentAndReconciles(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	sys := newSystem(t, backend, testConfig())

	vlc := findSource(t, sys, "VLC media player")
	selectSource(t, sys, vlc)
	require.Eventually(t, connected(sys), waitTimeout, tick)

	backend.LastCapture().Fail(errors.NewStd("stream timeout"))

	require.Eventually(t, func() bool { return sys.Status().IsTimeout() }, waitTimeout, tick)
	require.Eventually(t, func() bool {
		_, ok := sys.CurrentSource()
		return !ok
	}, waitTimeout, tick)
	sel, ok := sys.SelectedSource()
	require.True(t, ok, "the selection survives a timeout")
	assert.Equal(t, vlc.ID, sel.ID)

	backend.Replace(1, pulsetest.Input(2, "VLC media player", "vlc"))

	require.Eventually(t, func() bool {
		cur, ok := sys.CurrentSource()
		return ok && cur.ID == vlc.ID && cur.Index == 2 && sys.Status().State == pulse.StateConnected
	}, waitTimeout, tick)
}

func TestOpenFailureIsAStatusNotAnError(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	sys := newSystem(t, backend, testConfig())

	backend.SetOpenError(errors.NewStd("access denied"))
	vlc := findSource(t, sys, "VLC media player")
	selectSource(t, sys, vlc)

	st := sys.Status()
	assert.Equal(t, pulse.StateFailed, st.State)
	assert.Equal(t, pulse.ReasonHost, st.Reason)
	assert.Contains(t, st.Message, "access denied")

	backend.SetOpenError(nil)
	selectSource(t, sys, vlc)
	require.Eventually(t, connected(sys), waitTimeout, tick)
}

func TestHostFailureReopensSameSinkInput(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	cfg := testConfig()
	cfg.RetryLimit = 2
	cfg.RetryBackoff = 10 * time.Millisecond
	sys := newSystem(t, backend, cfg)

	selectSource(t, sys, findSource(t, sys, "VLC media player"))
	require.Eventually(t, connected(sys), waitTimeout, tick)
	first := backend.LastCapture()

	first.Fail(errors.NewStd("connection reset by server"))

	require.Eventually(t, func() bool {
		c := backend.LastCapture()
		return c != first && sys.Status().State == pulse.StateConnected
	}, waitTimeout, tick)
	assert.Equal(t, uint32(1), backend.LastCapture().Input().Index, "reopened on the same sink input")
	assert.True(t, first.Closed())

	cur, ok := sys.CurrentSource()
	require.True(t, ok)
	assert.Equal(t, "VLC media player", cur.Name)
}

func TestHostFailureRetriesAreBounded(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	cfg := testConfig()
	cfg.RetryLimit = 2
	cfg.RetryBackoff = 5 * time.Millisecond
	sys := newSystem(t, backend, cfg)

	vlc := findSource(t, sys, "VLC media player")
	selectSource(t, sys, vlc)
	require.Eventually(t, connected(sys), waitTimeout, tick)

	backend.SetOpenError(errors.NewStd("access denied"))
	backend.LastCapture().Fail(errors.NewStd("connection reset by server"))
	require.Eventually(t, func() bool {
		st := sys.Status()
		return st.State == pulse.StateFailed && strings.Contains(st.Message, "access denied")
	}, waitTimeout, tick)

	// 5ms + 10ms of backoff is long over; no more reopens once the limit is hit
	time.Sleep(100 * time.Millisecond)
	backend.SetOpenError(nil)
	assert.Never(t, connected(sys), 100*time.Millisecond, tick)
	assert.Len(t, backend.Captures(), 1)

	selectSource(t, sys, vlc)
	require.Eventually(t, connected(sys), waitTimeout, tick)
}

func TestHungOpenDoesNotBlockTheEventLoop(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	cfg := testConfig()
	cfg.OpenTimeout = 20 * time.Millisecond
	sys := newSystem(t, backend, cfg)

	release := backend.HangOpen()
	defer release()

	vlc := findSource(t, sys, "VLC media player")
	selectSource(t, sys, vlc)

	assert.True(t, sys.Status().IsTimeout(), "status %s", sys.Status())
	_, ok := sys.CurrentSource()
	assert.False(t, ok, "a timed out open invalidates the current source")
	sel, ok := sys.SelectedSource()
	require.True(t, ok)
	assert.Equal(t, vlc.ID, sel.ID)
}

func TestClearingSelectionStopsCapture(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	sys := newSystem(t, backend, testConfig())

	selectSource(t, sys, findSource(t, sys, "VLC media player"))
	require.Eventually(t, connected(sys), waitTimeout, tick)
	capture := backend.LastCapture()

	require.NoError(t, sys.Select(context.Background(), nil))

	assert.Equal(t, pulse.StateIdle, sys.Status().State)
	assert.True(t, capture.Closed())
	_, ok := sys.CurrentSource()
	assert.False(t, ok)
	_, ok = sys.SelectedSource()
	assert.False(t, ok)
}

func TestSelectByName(t *testing.T) {
	backend := pulsetest.NewBackend(
		pulsetest.Input(1, "VLC media player", "vlc"),
		pulsetest.Input(2, "Firefox", "firefox"),
	)
	sys := newSystem(t, backend, testConfig())

	src, err := sys.SelectByName(context.Background(), "vlc")
	require.NoError(t, err)
	assert.Equal(t, "VLC media player", src.Name)
	require.Eventually(t, connected(sys), waitTimeout, tick)

	_, err = sys.SelectByName(context.Background(), "zzzzzz")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	missing := uuid.New()
	err = sys.Select(context.Background(), &missing)
	assert.True(t, errors.IsNotFound(err))
}

func TestSubscribeSignalsChangesAndClosesOnShutdown(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	sys := newSystem(t, backend, testConfig())

	changes, cancel := sys.Subscribe()
	defer cancel()

	selectSource(t, sys, findSource(t, sys, "VLC media player"))

	select {
	case _, ok := <-changes:
		require.True(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("no change signalled after select")
	}

	require.NoError(t, sys.Close())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, waitTimeout, tick)

	assert.ErrorIs(t, sys.Select(context.Background(), nil), audiosystem.ErrSystemClosed)
	assert.Equal(t, pulse.StateIdle, sys.Status().State)
}

func TestSnapshotIsJSONFriendly(t *testing.T) {
	backend := pulsetest.NewBackend(pulsetest.Input(1, "VLC media player", "vlc"))
	sys := newSystem(t, backend, testConfig())

	snap := sys.Snapshot()
	assert.Nil(t, snap.Current)
	require.Len(t, snap.Sources, 1)
	assert.False(t, math.IsNaN(float64(snap.Levels.Left)))

	text, err := snap.Status.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "idle", string(text))
}
