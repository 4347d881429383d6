// Package diff computes, merges and applies value-level deltas between two
// versions of a designer document.
//
// A Delta is a flat, path-sorted list of changes. Paths are RFC 6901 JSON
// Pointers, so "/blocks/0/style/color" addresses the color of the first
// block. A parent path always sorts before its children, which lets Apply
// replay a delta front to back.
//
// A key that is missing and a key holding nil are different states: going
// from {} to {"a": nil} yields a set of /a to nil, and the reverse yields an
// unset of /a.
package diff

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnsupportedValue is returned for values that are not plain JSON
	// shapes (channels, funcs, structs, pointers, NaN, ...).
	ErrUnsupportedValue = errors.New("unsupported value")
	// ErrInvalidPath is returned for malformed pointers and for paths that do
	// not resolve against the document being patched.
	ErrInvalidPath = errors.New("invalid path")
)

// Op is the kind of change recorded at a path.
type Op string

const (
	OpSet   Op = "set"
	OpUnset Op = "unset"
)

// Change is a single path-level edit.
type Change struct {
	Path  string `json:"path" cbor:"path"`
	Op    Op     `json:"op" cbor:"op"`
	Value any    `json:"value,omitempty" cbor:"value,omitempty"`
}

// Delta is the set of changes between two documents, sorted by path.
type Delta []Change

// HasChanges reports whether d changes anything.
func HasChanges(d Delta) bool {
	return len(d) > 0
}

// Paths returns the changed paths in order.
func (d Delta) Paths() []string {
	out := make([]string, len(d))
	for i, c := range d {
		out[i] = c.Path
	}
	return out
}

func sortDelta(d Delta) {
	sort.SliceStable(d, func(i, j int) bool {
		return comparePaths(d[i].Path, d[j].Path) < 0
	})
}

// Validate checks every change for a known op and a parseable path and
// returns a sorted copy with values normalized to plain JSON shapes.
func Validate(d Delta) (Delta, error) {
	out := make(Delta, 0, len(d))
	for _, c := range d {
		segs, err := ParsePointer(c.Path)
		if err != nil {
			return nil, err
		}
		if c.Op != OpSet && c.Op != OpUnset {
			return nil, fmt.Errorf("%w: %s: unknown op %q", ErrInvalidPath, c.Path, c.Op)
		}
		if c.Op == OpUnset && len(segs) == 0 {
			return nil, fmt.Errorf("%w: root cannot be unset", ErrInvalidPath)
		}
		v, err := normalize(c.Value, segs)
		if err != nil {
			return nil, err
		}
		out = append(out, Change{Path: c.Path, Op: c.Op, Value: v})
	}
	sortDelta(out)
	return out, nil
}
