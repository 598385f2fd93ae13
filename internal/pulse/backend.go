package pulse

import "io"

// Backend is the host audio service as seen by the adapter goroutine. All
// methods are called from that goroutine only.
type Backend interface {
	// ListSinkInputs enumerates the playback streams that can be captured.
	ListSinkInputs() ([]SinkInput, error)

	// OpenCapture opens a monitor capture pinned to input that writes f32le
	// stereo chunks of about fragmentSize bytes to w. The capture must not
	// follow the sink input if it moves to another device.
	OpenCapture(input SinkInput, w io.Writer, fragmentSize int) (Capture, error)

	Close() error
}

// Capture is an open host record stream.
type Capture interface {
	Start()
	Stop()
	Close()
	Running() bool
	// Error returns the host error that ended the stream, if any.
	Error() error
}
