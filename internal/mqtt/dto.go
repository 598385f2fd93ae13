package mqtt

import (
	"time"

	"github.com/pulsetap/pulsetap/internal/audiosystem"
)

// StatusMessage is the JSON payload on the status topic.
//
// Field names are referenced by the discovery value templates; keep the two
// in step.
type StatusMessage struct {
	Source      string  `json:"source,omitempty"`
	Application string  `json:"application,omitempty"`
	SourceID    string  `json:"source_id,omitempty"`
	Selected    string  `json:"selected,omitempty"`
	Status      string  `json:"status"`
	LevelLeft   float32 `json:"level_left"`
	LevelRight  float32 `json:"level_right"`
	Sources     int     `json:"sources"`
	Timestamp   string  `json:"timestamp"`
}

// NewStatusMessage flattens a snapshot.
func NewStatusMessage(snap audiosystem.Snapshot, now time.Time) StatusMessage {
	msg := StatusMessage{
		Status:     snap.Status.String(),
		LevelLeft:  snap.Levels.Left,
		LevelRight: snap.Levels.Right,
		Sources:    len(snap.Sources),
		Timestamp:  now.UTC().Format(time.RFC3339),
	}
	if snap.Current != nil {
		msg.Source = snap.Current.Name
		msg.Application = snap.Current.Application
		msg.SourceID = snap.Current.ID.String()
	}
	if snap.Selected != nil {
		msg.Selected = snap.Selected.Name
	}
	return msg
}
