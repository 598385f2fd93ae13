// Package pulsetest provides an in-memory pulse.Backend for tests.
package pulsetest

import (
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/pulse"
)

// Backend is a scriptable host audio service. The zero value is not usable;
// use NewBackend.
type Backend struct {
	mu       sync.Mutex
	inputs   map[uint32]pulse.SinkInput
	listErr  error
	openErr  error
	hang     chan struct{}
	openHang chan struct{}
	captures []*Capture
	closed   bool
	lists    int
}

// NewBackend returns a backend reporting inputs.
func NewBackend(inputs ...pulse.SinkInput) *Backend {
	b := &Backend{inputs: make(map[uint32]pulse.SinkInput)}
	for _, in := range inputs {
		b.inputs[in.Index] = in
	}
	return b
}

// Input builds a sink input with the given application binary.
func Input(index uint32, name, app string) pulse.SinkInput {
	return pulse.SinkInput{
		Index:  index,
		Name:   name,
		Volume: 1,
		Props: map[string]string{
			pulse.PropApplicationBinary: app,
			pulse.PropApplicationName:   name,
		},
	}
}

// Set adds or replaces a sink input.
func (b *Backend) Set(in pulse.SinkInput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs[in.Index] = in
}

// Remove drops a sink input. Captures pinned to it keep running until the
// client notices the removal.
func (b *Backend) Remove(index uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inputs, index)
}

// Replace removes one sink input and adds another in a single step, the way
// a restarted application appears between two polls.
func (b *Backend) Replace(old uint32, in pulse.SinkInput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inputs, old)
	b.inputs[in.Index] = in
}

// SetListError makes enumeration fail with err until cleared with nil.
func (b *Backend) SetListError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

// SetOpenError makes OpenCapture fail with err until cleared with nil.
func (b *Backend) SetOpenError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// Hang makes enumeration block until Close.
func (b *Backend) Hang() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hang == nil {
		b.hang = make(chan struct{})
	}
}

// HangOpen makes OpenCapture block until release is called.
func (b *Backend) HangOpen() (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.openHang = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.openHang == ch {
				b.openHang = nil
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Captures returns every capture opened so far, oldest first.
func (b *Backend) Captures() []*Capture {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.captures)
}

// LastCapture returns the most recent capture or nil.
func (b *Backend) LastCapture() *Capture {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.captures) == 0 {
		return nil
	}
	return b.captures[len(b.captures)-1]
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Lists counts enumerations served.
func (b *Backend) Lists() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

func (b *Backend) ListSinkInputs() ([]pulse.SinkInput, error) {
	b.mu.Lock()
	hang := b.hang
	b.mu.Unlock()
	if hang != nil {
		<-hang
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.NewStd("backend closed")
	}
	if b.listErr != nil {
		return nil, b.listErr
	}
	b.lists++

	out := make([]pulse.SinkInput, 0, len(b.inputs))
	for _, idx := range slices.Sorted(maps.Keys(b.inputs)) {
		in := b.inputs[idx]
		in.Props = maps.Clone(in.Props)
		out = append(out, in)
	}
	return out, nil
}

func (b *Backend) OpenCapture(input pulse.SinkInput, w io.Writer, fragmentSize int) (pulse.Capture, error) {
	b.mu.Lock()
	hang := b.openHang
	b.mu.Unlock()
	if hang != nil {
		<-hang
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	if _, ok := b.inputs[input.Index]; !ok {
		return nil, errors.NewStd("no such sink input")
	}
	c := &Capture{input: input, w: w, fragmentSize: fragmentSize}
	b.captures = append(b.captures, c)
	return c, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		if b.hang != nil {
			close(b.hang)
		}
	}
	return nil
}

// Capture is a fake host record stream. Push plays the role of the host's
// data callback.
type Capture struct {
	mu           sync.Mutex
	input        pulse.SinkInput
	w            io.Writer
	fragmentSize int
	running      bool
	closed       bool
	err          error

	// OnStop runs inside Stop, before the capture is marked stopped.
	OnStop func()
}

// Input is the sink input the capture is pinned to.
func (c *Capture) Input() pulse.SinkInput { return c.input }

// FragmentSize is the requested fragment size in bytes.
func (c *Capture) FragmentSize() int { return c.fragmentSize }

// Push delivers data through the writer callback.
func (c *Capture) Push(data []byte) {
	_, _ = c.w.Write(data)
}

// Fail ends the stream with a host error.
func (c *Capture) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	c.running = false
}

// Closed reports whether Close was called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Capture) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = !c.closed
}

func (c *Capture) Stop() {
	if c.OnStop != nil {
		c.OnStop()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.closed = true
}

func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Capture) Error() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

var _ pulse.Backend = (*Backend)(nil)
var _ pulse.Capture = (*Capture)(nil)
