package source

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xrash/smetrics"

	"github.com/pulsetap/pulsetap/internal/errors"
	"github.com/pulsetap/pulsetap/internal/logger"
	"github.com/pulsetap/pulsetap/internal/pulse"
)

// Defaults for Config fields left zero.
const (
	DefaultSimilarityThreshold = 0.5
	DefaultMaxLifespan         = 60 * time.Second
)

// ErrSourceNotFound is returned when a source ID is not in the catalog.
var ErrSourceNotFound = errors.Newf("source not found").
	Component("source").
	Category(errors.CategoryNotFound).
	Build()

// Lister enumerates sink inputs. *pulse.Client implements it.
type Lister interface {
	ListSinkInputs(ctx context.Context) ([]pulse.SinkInput, error)
}

// Config holds the reconciliation heuristics.
type Config struct {
	// SimilarityThreshold is the Jaro score a same-application partial match
	// must exceed to be treated as the same source. It is used both when a
	// new sink input appears and when restoring the selection.
	SimilarityThreshold float64
	MaxLifespan         time.Duration
	AllowSpotify        bool
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.MaxLifespan <= 0 {
		c.MaxLifespan = DefaultMaxLifespan
	}
	return c
}

// Selector maintains the source catalog and the selected and current
// sources. It is not safe for concurrent use: one goroutine owns it and
// publishes copies to readers.
type Selector struct {
	lister Lister
	cfg    Config
	log    logger.Logger
	now    func() time.Time

	catalog  []*Source
	current  *Source // what is being captured
	selected *Source // what the user asked for
}

// NewSelector returns an empty selector. Call Refresh to load the catalog.
func NewSelector(lister Lister, cfg Config) *Selector {
	return &Selector{
		lister: lister,
		cfg:    cfg.withDefaults(),
		log:    logger.Global().Module("source"),
		now:    time.Now,
	}
}

// Config returns the effective configuration.
func (s *Selector) Config() Config {
	return s.cfg
}

// Sources returns the live catalog, most recently updated first.
func (s *Selector) Sources() []Source {
	now := s.now()
	out := make([]Source, 0, len(s.catalog))
	for _, src := range s.catalog {
		if !src.IsDead(now, s.cfg.MaxLifespan) {
			out = append(out, *src)
		}
	}
	return out
}

// Lookup returns the available source whose name best matches name, by
// exact match, then substring, then Jaro similarity above the threshold.
func (s *Selector) Lookup(name string) (Source, bool) {
	want := normalize(name)
	if want == "" {
		return Source{}, false
	}

	var best *Source
	bestScore := s.cfg.SimilarityThreshold
	for _, src := range s.catalog {
		if !src.Available {
			continue
		}
		have := normalize(src.Name)
		app := normalize(src.Application)
		var score float64
		switch {
		case have == want || app == want:
			score = 3
		case strings.Contains(have, want) || strings.Contains(app, want):
			score = 2
		default:
			score = smetrics.Jaro(have, want)
		}
		if score > bestScore {
			best, bestScore = src, score
		}
	}
	if best == nil {
		return Source{}, false
	}
	return *best, true
}

// CurrentSource returns the source being captured.
func (s *Selector) CurrentSource() (Source, bool) {
	if s.current == nil {
		return Source{}, false
	}
	return *s.current, true
}

// SelectedSource returns the source the user selected.
func (s *Selector) SelectedSource() (Source, bool) {
	if s.selected == nil {
		return Source{}, false
	}
	return *s.selected, true
}

// Select sets both the current and the selected source to the catalog entry
// with id, or clears both when id is nil.
func (s *Selector) Select(id *uuid.UUID) error {
	if id == nil {
		s.current, s.selected = nil, nil
		s.log.Info("selection cleared")
		return nil
	}

	src := s.find(*id)
	if src == nil {
		return errors.New(ErrSourceNotFound).
			Component("source").
			Category(errors.CategoryNotFound).
			Context("source_id", id.String()).
			Build()
	}

	s.current, s.selected = src, src
	s.log.Info("source selected",
		logger.String("source", src.Name),
		logger.String("application", src.Application),
		logger.Uint32("sink_input", src.Index))
	return nil
}

// Invalidate forgets the current source after its capture timed out. The
// selection is kept and the source is marked unavailable so the next
// appearance of the application reconciles into it.
func (s *Selector) Invalidate() {
	if s.current == nil {
		return
	}
	s.current.Available = false
	s.current.Age = s.now()
	s.log.Info("current source invalidated", logger.String("source", s.current.Name))
	s.current = nil
	s.sort()
}

// HandleEvent applies one sink input event. New and Changed re-enumerate the
// host; enumeration errors are returned and the catalog is left unchanged.
func (s *Selector) HandleEvent(ctx context.Context, ev pulse.SinkInputEvent) error {
	defer s.Prune()

	if ev.Operation == pulse.OperationRemoved {
		s.remove(ev.Index)
		s.sort()
		return nil
	}

	inputs, err := s.lister.ListSinkInputs(ctx)
	if err != nil {
		return err
	}

	idx := slices.IndexFunc(inputs, func(in pulse.SinkInput) bool { return in.Index == ev.Index })
	if idx < 0 {
		// gone again before we looked
		return nil
	}
	incoming := FromSinkInput(inputs[idx], s.now())
	if s.filtered(incoming) {
		return nil
	}

	switch ev.Operation {
	case pulse.OperationNew:
		s.add(incoming)
	case pulse.OperationChanged:
		if existing := s.byIndex(ev.Index); existing != nil {
			existing.update(incoming)
		} else {
			s.add(incoming)
		}
	}

	s.sort()
	return nil
}

// add reconciles a newly appeared sink input. In order it tries the entry
// already holding the index, the unavailable selected source, and any
// unavailable entry with an exact match, before inserting a new source.
func (s *Selector) add(incoming *Source) {
	if existing := s.byIndex(incoming.Index); existing != nil {
		existing.update(incoming)
		return
	}

	if sel := s.selected; sel != nil && !sel.Available {
		if cmp := Compare(sel, incoming); cmp.Similar(s.cfg.SimilarityThreshold) {
			sel.update(incoming)
			s.current = sel
			s.log.Info("selected source reappeared",
				logger.String("source", sel.Name),
				logger.Uint32("sink_input", sel.Index),
				logger.String("match", cmp.Match.String()),
				logger.Float64("score", cmp.Score))
			return
		}
	}

	for _, src := range s.catalog {
		if !src.Available && Compare(src, incoming).Match == MatchExact {
			src.update(incoming)
			return
		}
	}

	s.catalog = append(s.catalog, incoming)
	s.log.Debug("source added",
		logger.String("source", incoming.Name),
		logger.String("application", incoming.Application),
		logger.Uint32("sink_input", incoming.Index))
}

func (s *Selector) remove(index uint32) {
	src := s.byIndex(index)
	if src == nil {
		return
	}
	src.Available = false
	src.Age = s.now()
	if s.current == src {
		s.current = nil
		s.log.Info("current source went away", logger.String("source", src.Name))
	}
}

// Restore makes the best available match for the selected source current
// when the two have diverged. It reports whether the current source changed.
func (s *Selector) Restore() bool {
	if s.selected == nil || s.current != nil {
		return false
	}

	var best *Source
	var bestRank float64
	for _, src := range s.catalog {
		if !src.Available {
			continue
		}
		cmp := Compare(src, s.selected)
		if !cmp.Similar(s.cfg.SimilarityThreshold) {
			continue
		}
		if rank := cmp.Rank(); best == nil || rank > bestRank {
			best, bestRank = src, rank
		}
	}
	if best == nil {
		return false
	}

	s.current, s.selected = best, best
	s.log.Info("selection restored",
		logger.String("source", best.Name),
		logger.Uint32("sink_input", best.Index))
	return true
}

// Refresh resynchronises the catalog with a full enumeration: entries not
// reported are marked unavailable, reported ones update the entry with the
// same index or name, and the rest are added.
func (s *Selector) Refresh(inputs []pulse.SinkInput) {
	now := s.now()
	for _, src := range s.catalog {
		if src.Available {
			src.Available = false
			src.Age = now
		}
	}

	for _, in := range inputs {
		incoming := FromSinkInput(in, now)
		if s.filtered(incoming) {
			continue
		}
		if existing := s.byIndex(in.Index); existing != nil {
			existing.update(incoming)
			continue
		}
		s.add(incoming)
	}

	if s.current != nil && !s.current.Available {
		s.current = nil
	}

	s.Prune()
	s.sort()
}

// Prune evicts dead sources and returns how many were removed. The selected
// source is never evicted while selected.
func (s *Selector) Prune() int {
	now := s.now()
	before := len(s.catalog)
	s.catalog = slices.DeleteFunc(s.catalog, func(src *Source) bool {
		return src != s.selected && src.IsDead(now, s.cfg.MaxLifespan)
	})
	return before - len(s.catalog)
}

func (s *Selector) filtered(src *Source) bool {
	return !s.cfg.AllowSpotify && src.IsSpotify()
}

func (s *Selector) sort() {
	slices.SortStableFunc(s.catalog, func(a, b *Source) int {
		return b.Age.Compare(a.Age)
	})
}

func (s *Selector) find(id uuid.UUID) *Source {
	for _, src := range s.catalog {
		if src.ID == id {
			return src
		}
	}
	return nil
}

func (s *Selector) byIndex(index uint32) *Source {
	for _, src := range s.catalog {
		if src.Available && src.Index == index {
			return src
		}
	}
	return nil
}
