package bus

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyPattern is returned by CompilePattern for the empty string.
var ErrEmptyPattern = errors.New("subscription pattern is empty")

// Pattern is a compiled event-type pattern. Literal patterns match by string
// equality; patterns containing `*` match as regular expressions where each
// `*` stands for `.*` over the whole type string. Dots are literal and
// matching is case-sensitive, so "user.*" matches "user.created" and
// "voice.*" matches "voice.call.started", but "user.*" does not match
// "userx.created".
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern validates and compiles a subscription pattern.
func CompilePattern(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, ErrEmptyPattern
	}
	if !strings.Contains(raw, "*") {
		return Pattern{raw: raw}, nil
	}
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(raw), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", raw, err)
	}
	return Pattern{raw: raw, re: re}, nil
}

// Literal reports whether the pattern matches by plain equality.
func (p Pattern) Literal() bool { return p.re == nil }

// Matches reports whether the pattern matches the event type.
func (p Pattern) Matches(eventType string) bool {
	if p.re == nil {
		return p.raw == eventType
	}
	return p.re.MatchString(eventType)
}

// String returns the pattern source.
func (p Pattern) String() string { return p.raw }
