package casil

import (
	"fmt"
	"regexp"
	"strings"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// maxRedactionDepth bounds field-path recursion through nested payloads.
const maxRedactionDepth = 10

// fieldPath is a compiled redaction path. A single segment matches that key
// at any depth; a dotted path matches only the exact nesting.
type fieldPath struct {
	segments []string
	anyDepth bool
}

func parseFieldPath(raw string) (fieldPath, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fieldPath{}, fmt.Errorf("casil: empty redaction path")
	}
	segs := strings.Split(raw, ".")
	for _, s := range segs {
		if s == "" {
			return fieldPath{}, fmt.Errorf("casil: bad redaction path %q", raw)
		}
	}
	return fieldPath{segments: segs, anyDepth: len(segs) == 1}, nil
}

// redactor rewrites structured payloads. It never mutates its input value in
// place above the decoded copy, and its output is always re-encodable, so
// redacted JSON stays well-formed.
type redactor struct {
	codec    PayloadCodec
	paths    []fieldPath
	patterns []*regexp.Regexp
}

// redact applies field-path and pattern redaction to raw payload bytes.
// It reports whether anything was replaced. A payload the codec cannot
// decode is returned unchanged with changed=false: opaque blobs are handled
// by the pattern scan over the decoded string forms only, never by
// byte-splicing that could corrupt the encoding.
func (r redactor) redact(raw []byte) (out []byte, changed bool, err error) {
	if len(raw) == 0 || (len(r.paths) == 0 && len(r.patterns) == 0) {
		return raw, false, nil
	}

	v, err := r.codec.Decode(raw)
	if err != nil {
		return raw, false, nil
	}

	v, changed = r.walk(v, nil, 0)
	if !changed {
		return raw, false, nil
	}
	out, err = r.codec.Encode(v)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// walk rewrites one node. trail is the key path from the root; depth bounds
// recursion.
func (r redactor) walk(v any, trail []string, depth int) (any, bool) {
	if depth > maxRedactionDepth {
		return v, false
	}

	switch node := v.(type) {
	case map[string]any:
		changed := false
		for k, item := range node {
			childTrail := append(trail, k)
			if r.pathMatches(childTrail, k) {
				node[k] = v1.RedactionSentinel
				changed = true
				continue
			}
			next, c := r.walk(item, childTrail, depth+1)
			if c {
				node[k] = next
				changed = true
			}
		}
		return node, changed
	case []any:
		changed := false
		for i, item := range node {
			next, c := r.walk(item, trail, depth+1)
			if c {
				node[i] = next
				changed = true
			}
		}
		return node, changed
	case string:
		out, c := r.redactString(node)
		return out, c
	default:
		return v, false
	}
}

func (r redactor) pathMatches(trail []string, key string) bool {
	for _, p := range r.paths {
		if p.anyDepth {
			if p.segments[0] == key {
				return true
			}
			continue
		}
		if len(trail) != len(p.segments) {
			continue
		}
		match := true
		for i := range p.segments {
			if p.segments[i] != trail[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (r redactor) redactString(s string) (string, bool) {
	changed := false
	for _, re := range r.patterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, v1.RedactionSentinel)
			changed = true
		}
	}
	return s, changed
}

// observabilityRedact produces the log/telemetry-safe rendering of a
// payload: field paths and patterns applied, plus every probable-secret
// match replaced. Unlike transport redaction it also runs when transport
// redaction is disabled.
func observabilityRedact(codec PayloadCodec, raw []byte, paths []fieldPath, patterns, secretPatterns []*regexp.Regexp) []byte {
	r := redactor{
		codec:    codec,
		paths:    paths,
		patterns: append(append([]*regexp.Regexp{}, patterns...), secretPatterns...),
	}
	out, changed, err := r.redact(raw)
	if err != nil || !changed {
		if err != nil {
			return []byte(`"` + v1.RedactionSentinel + `"`)
		}
		return raw
	}
	return out
}
