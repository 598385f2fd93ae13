package source

import (
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/patrickmn/go-cache"

	"github.com/pulsetap/pulsetap/internal/pulse"
)

// UnidentifiableName is used when no metadata candidate is good enough.
const UnidentifiableName = "Unidentifiable audio source"

// UnknownApplication is used when the host reports no application.
const UnknownApplication = "Unknown app"

// minNameQuality is the score a candidate must exceed to be used as a name
const minNameQuality = 1

// VagueWords appear in generic driver and engine stream names and say
// nothing about what is playing.
var VagueWords = []string{
	"play", "audio", "voice", "stream", "driver", "webrtc", "engine", "playback", "callback", "alsa",
}

// wordPattern splits on separators and on lower-to-upper case changes, so
// "playStream" yields "play" and "Stream".
var wordPattern = regexp.MustCompile(`([^.,\-_\sA-Z]+)|([^.,\-_\sa-z][^.\sA-Z]+)`)

// qualityCache memoizes scores. Names repeat on every poll.
var qualityCache = cache.New(30*time.Minute, 0)

const maxCachedNames = 4096

// NameQuality scores how likely s is a human-meaningful name: +1 when it
// mixes upper and lower case, then -1 for every vague word and +1 for
// every other word.
func NameQuality(s string) int {
	if v, ok := qualityCache.Get(s); ok {
		return v.(int)
	}

	score := 0
	if isDoubleCase(s) {
		score++
	}
	for _, w := range wordPattern.FindAllString(s, -1) {
		if isVague(w) {
			score--
		} else {
			score++
		}
	}

	if qualityCache.ItemCount() >= maxCachedNames {
		qualityCache.Flush()
	}
	qualityCache.SetDefault(s, score)
	return score
}

func isDoubleCase(s string) bool {
	var upper, lower bool
	for _, r := range s {
		upper = upper || unicode.IsUpper(r)
		lower = lower || unicode.IsLower(r)
	}
	return upper && lower
}

func isVague(word string) bool {
	for _, v := range VagueWords {
		if strings.EqualFold(word, v) {
			return true
		}
	}
	return false
}

// nameCandidates returns the metadata strings that score above
// minNameQuality, best first. Ties keep metadata order.
func nameCandidates(in pulse.SinkInput) []string {
	raw := []string{
		in.Prop(pulse.PropApplicationBinary),
		in.Prop(pulse.PropApplicationName),
		in.Prop(pulse.PropMediaName),
		in.Prop(pulse.PropNodeName),
		in.Name,
	}

	type scored struct {
		name  string
		score int
	}
	var candidates []scored
	for _, name := range raw {
		name = strings.TrimSpace(name)
		if name == "" || slices.ContainsFunc(candidates, func(c scored) bool { return c.name == name }) {
			continue
		}
		if score := NameQuality(name); score > minNameQuality {
			candidates = append(candidates, scored{name: name, score: score})
		}
	}

	slices.SortStableFunc(candidates, func(a, b scored) int {
		return b.score - a.score
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

// BestName picks the display name from candidates, best first.
func BestName(candidates []string) string {
	if len(candidates) == 0 {
		return UnidentifiableName
	}
	return candidates[0]
}

func application(in pulse.SinkInput) string {
	for _, key := range []string{pulse.PropApplicationBinary, pulse.PropApplicationName} {
		if v := strings.TrimSpace(in.Prop(key)); v != "" {
			return v
		}
	}
	return UnknownApplication
}
