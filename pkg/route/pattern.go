// Package route implements an ordered table of typed path patterns.
//
// Patterns are written as slash separated segments:
//
//	/metadata                     literal
//	/Patient/:id/$everything      named parameter and operation marker
//	/:resourceType/$validate/*    wildcard suffix
//
// Request paths are matched in their escaped form. An operation marker ($name)
// matches both "$name" and its percent-encoded form "%24name". Parameters and
// literals are compared after a single percent-decode of the segment. A
// trailing "*" matches zero or more additional segments, kept escaped, and may
// only appear last. Tables are evaluated in declaration order; the first
// matching route wins.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SegmentKind is the type of a pattern segment.
type SegmentKind int

const (
	Literal SegmentKind = iota
	Param
	Operation
	Wildcard
)

func (k SegmentKind) String() string {
	switch k {
	case Literal:
		return "literal"
	case Param:
		return "param"
	case Operation:
		return "operation"
	case Wildcard:
		return "wildcard"
	default:
		return "unknown"
	}
}

// AnyMethod matches every HTTP method.
const AnyMethod = "*"

// WildcardParam is the params key holding the segments matched by "*".
const WildcardParam = "*"

// EncodedOperationPrefix is the percent-encoded form of the operation marker.
const EncodedOperationPrefix = "%24"

// Segment is one compiled pattern segment. Value holds the literal text, the
// parameter name or the operation name (without the marker).
type Segment struct {
	Kind  SegmentKind
	Value string
}

// Pattern is a compiled method + path pattern.
type Pattern struct {
	Method   string
	Raw      string
	Segments []Segment
}

// Compile parses a path pattern.
func Compile(method, pattern string) (Pattern, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return Pattern{}, errors.New("route method must not be empty")
	}
	if !strings.HasPrefix(pattern, "/") {
		return Pattern{}, fmt.Errorf("route pattern %q must start with /", pattern)
	}

	p := Pattern{Method: method, Raw: pattern}
	parts := splitPath(pattern)
	seen := make(map[string]bool, len(parts))

	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return Pattern{}, fmt.Errorf("route pattern %q: wildcard must be the last segment", pattern)
			}
			p.Segments = append(p.Segments, Segment{Kind: Wildcard})
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" {
				return Pattern{}, fmt.Errorf("route pattern %q: empty parameter name", pattern)
			}
			if seen[name] {
				return Pattern{}, fmt.Errorf("route pattern %q: duplicate parameter %q", pattern, name)
			}
			seen[name] = true
			p.Segments = append(p.Segments, Segment{Kind: Param, Value: name})
		case strings.HasPrefix(part, "$"):
			name := part[1:]
			if name == "" {
				return Pattern{}, fmt.Errorf("route pattern %q: empty operation name", pattern)
			}
			p.Segments = append(p.Segments, Segment{Kind: Operation, Value: name})
		case part == "":
			return Pattern{}, fmt.Errorf("route pattern %q: empty segment", pattern)
		default:
			p.Segments = append(p.Segments, Segment{Kind: Literal, Value: part})
		}
	}

	return p, nil
}

// MustCompile is Compile that panics on error. Intended for static tables.
func MustCompile(method, pattern string) Pattern {
	p, err := Compile(method, pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match tests a method and escaped pathname (as from url.URL.EscapedPath)
// against the pattern and returns the extracted parameters.
func (p Pattern) Match(method, pathname string) (map[string]string, bool) {
	if p.Method != AnyMethod && p.Method != strings.ToUpper(method) {
		return nil, false
	}
	return p.matchSegments(splitPath(pathname))
}

func (p Pattern) matchSegments(parts []string) (map[string]string, bool) {
	var params map[string]string
	set := func(k, v string) {
		if params == nil {
			params = make(map[string]string, len(p.Segments))
		}
		params[k] = v
	}

	for i, seg := range p.Segments {
		if seg.Kind == Wildcard {
			set(WildcardParam, strings.Join(parts[i:], "/"))
			return orEmpty(params), true
		}
		if i >= len(parts) {
			return nil, false
		}
		part := parts[i]

		switch seg.Kind {
		case Literal:
			if unescape(part) != seg.Value {
				return nil, false
			}
		case Param:
			if part == "" {
				return nil, false
			}
			set(seg.Value, unescape(part))
		case Operation:
			if !IsOperation(part, seg.Value) {
				return nil, false
			}
		}
	}

	if len(parts) != len(p.Segments) {
		return nil, false
	}
	return orEmpty(params), true
}

// IsOperation reports whether a path segment names the given operation, in
// either "$name" or "%24name" form.
func IsOperation(segment, name string) bool {
	op, ok := OperationName(segment)
	return ok && op == name
}

// OperationName extracts the operation name from a "$name" or "%24name"
// segment.
func OperationName(segment string) (string, bool) {
	switch {
	case strings.HasPrefix(segment, "$"):
		return segment[1:], len(segment) > 1
	case len(segment) > len(EncodedOperationPrefix) && strings.EqualFold(segment[:len(EncodedOperationPrefix)], EncodedOperationPrefix):
		return segment[len(EncodedOperationPrefix):], true
	default:
		return "", false
	}
}

func splitPath(pathname string) []string {
	trimmed := strings.TrimPrefix(pathname, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func unescape(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
