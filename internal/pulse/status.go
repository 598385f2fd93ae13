package pulse

import (
	"context"
	"os"
	"strings"

	"github.com/pulsetap/pulsetap/internal/errors"
)

// StreamState is the lifecycle state of a RecordingStream.
type StreamState int

const (
	StateIdle StreamState = iota
	StateConnecting
	StateConnected
	StateSuspended
	StateTerminated
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AllStates lists every state, used for per-state gauges.
var AllStates = []StreamState{
	StateIdle, StateConnecting, StateConnected, StateSuspended, StateTerminated, StateFailed,
}

// Terminal reports whether no transition can leave s.
func (s StreamState) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// FailureReason distinguishes failures that need a different recovery.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	// ReasonTimeout means the host gave up on the stream; the source is
	// treated as gone rather than retried in place.
	ReasonTimeout
	// ReasonHost is any other host-reported error.
	ReasonHost
)

func (r FailureReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonHost:
		return "host"
	default:
		return ""
	}
}

// StreamStatus is an observable stream state. Reason and Message are set
// only for StateFailed.
type StreamStatus struct {
	State   StreamState
	Reason  FailureReason
	Message string
}

// Idle is the status reported when nothing is being captured.
var Idle = StreamStatus{State: StateIdle}

func (s StreamStatus) String() string {
	if s.State != StateFailed {
		return s.State.String()
	}
	if s.Message == "" {
		return "failed(" + s.Reason.String() + ")"
	}
	return "failed(" + s.Reason.String() + "): " + s.Message
}

// MarshalText renders the status as its String form.
func (s StreamStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTimeout reports whether the stream failed with ReasonTimeout.
func (s StreamStatus) IsTimeout() bool {
	return s.State == StateFailed && s.Reason == ReasonTimeout
}

// FailedStatus maps a host error to a failed status, recognising timeouts.
func FailedStatus(err error) StreamStatus {
	st := StreamStatus{State: StateFailed, Reason: ReasonHost}
	if err == nil {
		return st
	}
	st.Message = err.Error()
	if isTimeout(err) {
		st.Reason = ReasonTimeout
	}
	return st
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.IsCategory(err, errors.CategoryTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// canTransition is the RecordingStream state graph. Terminal states never
// leave and only Connected and Suspended move back and forth.
func canTransition(from, to StreamState) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch from {
	case StateIdle:
		return to == StateConnecting || to == StateTerminated
	case StateConnecting:
		return to == StateConnected || to == StateFailed || to == StateTerminated
	case StateConnected:
		return to == StateSuspended || to == StateFailed || to == StateTerminated
	case StateSuspended:
		return to == StateConnected || to == StateFailed || to == StateTerminated
	}
	return false
}
