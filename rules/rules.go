//go:build ruleguard

// Package gorules holds the gocritic ruleguard checks for pulsetap.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// ModuleLogger flags direct use of the standard loggers outside the logger
// package and the command line. Library code logs through logger.Global().Module(...).
func ModuleLogger(m dsl.Matcher) {
	m.Match(
		`log.Printf($*_)`,
		`log.Println($*_)`,
		`log.Print($*_)`,
		`log.Fatalf($*_)`,
		`slog.Info($*_)`,
		`slog.Warn($*_)`,
		`slog.Error($*_)`,
		`slog.Debug($*_)`,
	).
		Where(m.File().PkgPath.Matches(`/internal/`) && !m.File().PkgPath.Matches(`/internal/logger$`)).
		Report("log through the module logger from internal/logger")
}

// PrintInLibrary flags writes to stdout from internal packages; with
// `run --stdout` stdout carries raw audio.
func PrintInLibrary(m dsl.Matcher) {
	m.Match(
		`fmt.Println($*_)`,
		`fmt.Printf($*_)`,
		`fmt.Print($*_)`,
	).
		Where(m.File().PkgPath.Matches(`/internal/`) && !m.File().Name.Matches(`_test\.go$`)).
		Report("internal packages must not print to stdout")
}

// WaitGroupGo suggests sync.WaitGroup.Go over the manual Add/Done pattern.
func WaitGroupGo(m dsl.Matcher) {
	m.Match(
		`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`,
	).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { $body }) instead of manual Add/Done").
		Suggest("$wg.Go(func() { $body })")
}

// TimeSince prefers time.Since for elapsed time.
func TimeSince(m dsl.Matcher) {
	m.Match(`time.Now().Sub($t)`).
		Report("use time.Since($t)").
		Suggest("time.Since($t)")
}

// TestingContext prefers t.Context in tests, which is cancelled when the test ends.
func TestingContext(m dsl.Matcher) {
	m.Match(`$ctx, $cancel := context.WithCancel(context.Background())`).
		Where(m.File().Name.Matches(`_test\.go$`)).
		Report("consider t.Context() instead of context.WithCancel(context.Background())")
}
