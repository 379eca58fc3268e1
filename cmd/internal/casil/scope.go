package casil

import (
	"fmt"
	"path"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// Synthetic scope keys for traffic that has no room:channel address.
const (
	ScopeKeyDirect  = "@direct:@direct"
	ScopeKeyControl = "@control:@control"
)

// ScopeKey computes the room:channel inspection key for an envelope.
// Direct messages map to the @direct synthetic key; commands without a room
// target map to @control.
func ScopeKey(env v1.Envelope) string {
	if room, channel, ok := env.SplitChannelTarget(); ok {
		return room + ":" + channel
	}
	if env.Room != "" {
		return env.Room + ":*"
	}
	if env.ToClient != "" {
		return ScopeKeyDirect
	}
	if env.Type == v1.TypeCommand {
		return ScopeKeyControl
	}
	return ScopeKeyDirect
}

// scopeMatcher applies glob-style include/exclude patterns to a scope key.
// Exclude wins over include. With matchAllWhenEmpty, an empty include list
// matches every key (the enabled-means-everything rule); otherwise an empty
// list matches nothing (the never_log_payload_for rule).
type scopeMatcher struct {
	include           []string
	exclude           []string
	matchAllWhenEmpty bool
}

// compileScope validates the patterns for the main inspection scope.
func compileScope(include, exclude []string) (scopeMatcher, error) {
	m := scopeMatcher{include: include, exclude: exclude, matchAllWhenEmpty: true}
	if err := validatePatterns(append(append([]string{}, include...), exclude...)); err != nil {
		return scopeMatcher{}, err
	}
	return m, nil
}

// compileKeyList validates a bare pattern list (no match-all default).
func compileKeyList(patterns []string) (scopeMatcher, error) {
	if err := validatePatterns(patterns); err != nil {
		return scopeMatcher{}, err
	}
	return scopeMatcher{include: patterns}, nil
}

func validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := path.Match(p, "probe:probe"); err != nil {
			return fmt.Errorf("casil: bad scope pattern %q: %w", p, err)
		}
	}
	return nil
}

// Match reports whether key is in scope.
func (m scopeMatcher) Match(key string) bool {
	for _, p := range m.exclude {
		if globMatch(p, key) {
			return false
		}
	}
	if len(m.include) == 0 {
		return m.matchAllWhenEmpty
	}
	for _, p := range m.include {
		if globMatch(p, key) {
			return true
		}
	}
	return false
}

// globMatch matches patterns like "secure-*", "ops:*" or "*:audit" against
// a room:channel key. A pattern without a colon matches against the room
// half alone as well as the whole key.
func globMatch(pattern, key string) bool {
	if ok, _ := path.Match(pattern, key); ok {
		return true
	}
	// Room-only patterns cover every channel of the room.
	if ok, _ := path.Match(pattern+":*", key); ok {
		return true
	}
	return false
}
