package source

import (
	"fmt"
	"strings"
)

// Browser identifies browsers whose tabs share one application name.
type Browser int

const (
	BrowserNone Browser = iota
	BrowserFirefox
	BrowserChrome
)

func (b Browser) String() string {
	switch b {
	case BrowserFirefox:
		return "Firefox"
	case BrowserChrome:
		return "Chrome"
	default:
		return ""
	}
}

// MarshalText renders the browser name, empty for BrowserNone.
func (b Browser) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func parseBrowser(name string) Browser {
	for _, b := range []Browser{BrowserFirefox, BrowserChrome} {
		if strings.EqualFold(name, b.String()) {
			return b
		}
	}
	return BrowserNone
}

// Kind is either a standalone application or a tab of a known browser.
type Kind struct {
	Browser Browser
}

// Standalone is the kind of every source that is not a browser tab.
var Standalone = Kind{}

// IsBrowserTab reports whether the source is a browser tab.
func (k Kind) IsBrowserTab() bool {
	return k.Browser != BrowserNone
}

func (k Kind) String() string {
	if !k.IsBrowserTab() {
		return "standalone"
	}
	return strings.ToLower(k.Browser.String()) + "-tab"
}

// MarshalText renders the kind for JSON status output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// kindOf returns the first browser named among candidates.
func kindOf(candidates []string) Kind {
	for _, c := range candidates {
		if b := parseBrowser(c); b != BrowserNone {
			return Kind{Browser: b}
		}
	}
	return Standalone
}

// displayName names a tab after the first candidate that is not the
// browser itself; other kinds take the best candidate.
func (k Kind) displayName(candidates []string) string {
	if !k.IsBrowserTab() {
		return BestName(candidates)
	}
	for _, c := range candidates {
		if !strings.EqualFold(c, k.Browser.String()) {
			return c
		}
	}
	return fmt.Sprintf("Unidentifiable %s Tab", k.Browser)
}
