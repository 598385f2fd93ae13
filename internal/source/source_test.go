package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func src(index uint32, name, app string) *Source {
	return &Source{Index: index, Name: name, Application: app, Available: true, Age: fixedTime}
}

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		a, b  *Source
		match Match
	}{
		{"same index", src(1, "Foo", "vlc"), src(1, "Bar", "vlc"), MatchExact},
		{"same name", src(1, "Foo", "vlc"), src(2, "foo ", "vlc"), MatchExact},
		{"similar name", src(1, "Foo", "vlc"), src(2, "Fool", "vlc"), MatchPartial},
		{"different application", src(1, "Foo", "vlc"), src(2, "Foo", "mpv"), MatchNone},
		{"different application same index", src(1, "Foo", "vlc"), src(1, "Foo", "mpv"), MatchNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.match, Compare(tt.a, tt.b).Match)
			assert.Equal(t, tt.match, Compare(tt.b, tt.a).Match, "comparison is symmetric")
		})
	}
}

func TestComparisonSimilarAndRank(t *testing.T) {
	t.Parallel()

	partial := Compare(src(1, "Foo", "vlc"), src(2, "Fool", "vlc"))
	assert.InDelta(t, 0.9167, partial.Score, 1e-3)
	assert.True(t, partial.Similar(0.5))
	assert.False(t, partial.Similar(0.95))

	exact := Comparison{Match: MatchExact}
	assert.True(t, exact.Similar(1))
	assert.Greater(t, exact.Rank(), partial.Rank())
	assert.Zero(t, Comparison{Match: MatchNone, Score: 0.9}.Rank())
	assert.False(t, Comparison{Match: MatchNone, Score: 0.9}.Similar(0.1))
}

func TestIsDead(t *testing.T) {
	t.Parallel()

	s := src(1, "Foo", "vlc")
	assert.False(t, s.IsDead(fixedTime.Add(time.Hour), time.Minute), "available sources never die")

	s.Available = false
	assert.False(t, s.IsDead(fixedTime.Add(59*time.Second), time.Minute))
	assert.True(t, s.IsDead(fixedTime.Add(time.Minute), time.Minute))
}
