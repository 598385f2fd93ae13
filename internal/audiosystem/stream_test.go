package audiosystem_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetap/pulsetap/internal/audiocore"
	"github.com/pulsetap/pulsetap/internal/audiosystem"
)

// frames returns n stereo frames, every byte of frame i set to first+i.
func frames(first byte, n int) []byte {
	out := make([]byte, 0, n*audiocore.FrameSize)
	for i := range n {
		out = append(out, bytes.Repeat([]byte{first + byte(i)}, audiocore.FrameSize)...)
	}
	return out
}

// fourFrames sizes a stream to exactly four frames.
const fourFrames = 100 * time.Microsecond

func TestAudioStreamReadIsFrameAligned(t *testing.T) {
	t.Parallel()

	s := audiosystem.NewAudioStream(time.Second, nil)

	n, err := s.Write(append(frames(1, 1), 0xAA, 0xBB, 0xCC, 0xDD))
	require.NoError(t, err)
	assert.Equal(t, audiocore.FrameSize+4, n, "Write reports the whole input consumed")
	assert.Equal(t, audiocore.FrameSize, s.Buffered(), "partial trailing frame is dropped")

	_, _ = s.Write(frames(2, 3))

	for _, size := range []int{1, 7, 12, 13, 100} {
		buf := make([]byte, size)
		n, err := s.Read(buf)
		require.NoError(t, err)
		assert.Zero(t, n%audiocore.FrameSize, "read of %d bytes returned %d", size, n)
	}
}

func TestAudioStreamReadEmptyIsNotEOF(t *testing.T) {
	t.Parallel()

	s := audiosystem.NewAudioStream(time.Second, nil)
	n, err := s.Read(make([]byte, 64))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAudioStreamOverwritesOldest(t *testing.T) {
	t.Parallel()

	s := audiosystem.NewAudioStream(fourFrames, nil)
	require.Equal(t, 4*audiocore.FrameSize, s.Capacity())

	_, _ = s.Write(frames(1, 3))
	_, _ = s.Write(frames(4, 2))

	assert.Equal(t, uint64(audiocore.FrameSize), s.OverflowBytes())

	buf := make([]byte, s.Capacity())
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, s.Capacity(), n)
	assert.Equal(t, frames(2, 4), buf, "the oldest frame was overwritten")
}

func TestAudioStreamWriteLargerThanCapacityKeepsNewest(t *testing.T) {
	t.Parallel()

	s := audiosystem.NewAudioStream(fourFrames, nil)
	_, _ = s.Write(frames(1, 6))

	assert.Equal(t, uint64(2*audiocore.FrameSize), s.OverflowBytes())

	buf := make([]byte, s.Capacity())
	n, _ := s.Read(buf)
	assert.Equal(t, frames(3, 4), buf[:n])
}

func TestAudioStreamClear(t *testing.T) {
	t.Parallel()

	s := audiosystem.NewAudioStream(time.Second, nil)
	_, _ = s.Write(frames(1, 10))
	s.Clear()
	assert.Zero(t, s.Buffered())

	n, err := s.Read(make([]byte, 80))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAudioStreamPumpStopsAtLimit(t *testing.T) {
	t.Parallel()

	s := audiosystem.NewAudioStream(time.Second, nil)
	_, _ = s.Write(frames(1, 10))

	var out bytes.Buffer
	n, err := s.Pump(context.Background(), &out, time.Millisecond, int64(3*audiocore.FrameSize+5))
	require.NoError(t, err)
	assert.Equal(t, int64(3*audiocore.FrameSize), n)
	assert.Equal(t, frames(1, 3), out.Bytes())
	assert.Equal(t, 7*audiocore.FrameSize, s.Buffered())
}

func TestAudioStreamPumpReturnsOnCancel(t *testing.T) {
	t.Parallel()

	s := audiosystem.NewAudioStream(time.Second, nil)
	_, _ = s.Write(frames(1, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	n, err := s.Pump(ctx, &out, time.Millisecond, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(2*audiocore.FrameSize), n)
	assert.Equal(t, frames(1, 2), out.Bytes())
}
