// Package pulse bridges the host audio service to a single outbound event
// channel. One adapter goroutine owns the backend connection: it serves
// enumeration and capture requests, polls for sink input changes and drives
// the status of every open RecordingStream.
package pulse

import (
	"fmt"
	"maps"
)

// Well-known sink input properties
const (
	PropApplicationName    = "application.name"
	PropApplicationBinary  = "application.process.binary"
	PropApplicationProcess = "application.process.id"
	PropMediaName          = "media.name"
	PropNodeName           = "node.name"
)

// SinkInput is one application's playback stream as reported by the host.
// It is a snapshot; a new value is produced on every enumeration.
type SinkInput struct {
	Index     uint32
	Name      string
	SinkIndex uint32
	Volume    float32 // average channel volume, 1.0 is 100%
	Corked    bool
	Props     map[string]string
}

// Prop returns a property value or "" when absent.
func (s SinkInput) Prop(key string) string {
	return s.Props[key]
}

func (s SinkInput) String() string {
	return fmt.Sprintf("#%d %q", s.Index, s.Name)
}

// differs reports whether any observable field changed between two snapshots
// of the same index.
func (s SinkInput) differs(o SinkInput) bool {
	return s.Name != o.Name ||
		s.Volume != o.Volume ||
		s.Corked != o.Corked ||
		s.SinkIndex != o.SinkIndex ||
		!maps.Equal(s.Props, o.Props)
}

// Operation is the kind of change a SinkInputEvent reports.
type Operation int

const (
	OperationNew Operation = iota
	OperationChanged
	OperationRemoved
)

func (o Operation) String() string {
	switch o {
	case OperationNew:
		return "new"
	case OperationChanged:
		return "changed"
	case OperationRemoved:
		return "removed"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Event is anything delivered on Client.Events.
type Event interface {
	isEvent()
}

// SinkInputEvent reports that a sink input appeared, changed or went away.
type SinkInputEvent struct {
	Index     uint32
	Operation Operation
}

// AudioEvent carries one chunk of f32le stereo audio from a RecordingStream.
// Data is owned by the receiver.
type AudioEvent struct {
	StreamID uint64
	Data     []byte
}

// StatusEvent reports a RecordingStream state transition.
type StatusEvent struct {
	StreamID uint64
	Status   StreamStatus
}

func (SinkInputEvent) isEvent() {}
func (AudioEvent) isEvent()     {}
func (StatusEvent) isEvent()    {}
