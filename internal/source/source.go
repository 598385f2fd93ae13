// Package source keeps a stable catalog of capturable applications on top of
// transient host sink inputs, and tracks which one the user selected and
// which one is being captured.
package source

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xrash/smetrics"

	"github.com/pulsetap/pulsetap/internal/pulse"
)

// Source is one logical capture target. ID survives the application
// restarting under a new sink input index.
type Source struct {
	ID          uuid.UUID `json:"id"`
	Index       uint32    `json:"index"`
	Name        string    `json:"name"`
	Application string    `json:"application"`
	Kind        Kind      `json:"kind"`
	Volume      float32   `json:"volume"`
	Available   bool      `json:"available"`
	Age         time.Time `json:"updated_at"`
}

// FromSinkInput builds a new Source with a fresh ID.
func FromSinkInput(in pulse.SinkInput, now time.Time) *Source {
	candidates := nameCandidates(in)
	kind := kindOf(candidates)

	return &Source{
		ID:          uuid.New(),
		Index:       in.Index,
		Name:        kind.displayName(candidates),
		Application: application(in),
		Kind:        kind,
		Volume:      in.Volume,
		Available:   true,
		Age:         now,
	}
}

// update copies the mutable fields of incoming and marks s available.
func (s *Source) update(incoming *Source) {
	s.Index = incoming.Index
	s.Name = incoming.Name
	s.Kind = incoming.Kind
	s.Volume = incoming.Volume
	s.Age = incoming.Age
	s.Available = true
}

// IsDead reports whether an unavailable source outlived maxLifespan.
func (s *Source) IsDead(now time.Time, maxLifespan time.Duration) bool {
	return !s.Available && now.Sub(s.Age) >= maxLifespan
}

// IsSpotify reports whether the source belongs to Spotify.
func (s *Source) IsSpotify() bool {
	return strings.EqualFold(s.Name, "spotify") || strings.EqualFold(s.Application, "spotify")
}

// Match is the outcome of comparing two sources.
type Match int

const (
	MatchNone Match = iota
	MatchPartial
	MatchExact
)

func (m Match) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPartial:
		return "partial"
	default:
		return "none"
	}
}

// Comparison carries a Match and, for MatchPartial, the Jaro similarity of the names.
type Comparison struct {
	Match Match
	Score float64
}

// Rank orders comparisons: exact beats any partial, none is zero.
func (c Comparison) Rank() float64 {
	switch c.Match {
	case MatchExact:
		return math.MaxFloat64
	case MatchPartial:
		return c.Score
	default:
		return 0
	}
}

// Similar reports whether the comparison is strong enough to treat both
// sides as the same logical source.
func (c Comparison) Similar(threshold float64) bool {
	return c.Match == MatchExact || (c.Match == MatchPartial && c.Score > threshold)
}

// Compare guesses whether two sources are the same application stream.
// Different applications never match. Otherwise a shared index or an equal
// name is exact and anything else is scored by name similarity.
func Compare(a, b *Source) Comparison {
	if !strings.EqualFold(a.Application, b.Application) {
		return Comparison{Match: MatchNone}
	}
	if a.Index == b.Index || normalize(a.Name) == normalize(b.Name) {
		return Comparison{Match: MatchExact, Score: 1}
	}
	return Comparison{
		Match: MatchPartial,
		Score: smetrics.Jaro(normalize(a.Name), normalize(b.Name)),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
