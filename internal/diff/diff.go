package diff

import (
	"fmt"
	"sort"
	"strconv"
)

// Objects returns the changes that turn previous into current. Nested maps
// are compared key by key; arrays of equal length are compared element by
// element and arrays whose length changed are replaced whole.
func Objects(previous, current map[string]any) (Delta, error) {
	prev, err := normalizeDoc(previous)
	if err != nil {
		return nil, fmt.Errorf("previous document: %w", err)
	}
	curr, err := normalizeDoc(current)
	if err != nil {
		return nil, fmt.Errorf("current document: %w", err)
	}

	var out Delta
	diffMaps(prev, curr, nil, &out)
	sortDelta(out)
	return out, nil
}

func normalizeDoc(doc map[string]any) (map[string]any, error) {
	if doc == nil {
		return map[string]any{}, nil
	}
	v, err := normalize(doc, nil)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func diffMaps(prev, curr map[string]any, path []string, out *Delta) {
	keys := make([]string, 0, len(prev)+len(curr))
	for k := range prev {
		keys = append(keys, k)
	}
	for k := range curr {
		if _, ok := prev[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		pv, inPrev := prev[k]
		cv, inCurr := curr[k]
		child := childPath(path, k)
		switch {
		case inPrev && !inCurr:
			*out = append(*out, Change{Path: FormatPointer(child), Op: OpUnset})
		case !inPrev && inCurr:
			*out = append(*out, Change{Path: FormatPointer(child), Op: OpSet, Value: cv})
		default:
			diffValues(pv, cv, child, out)
		}
	}
}

func diffValues(prev, curr any, path []string, out *Delta) {
	switch p := prev.(type) {
	case map[string]any:
		if c, ok := curr.(map[string]any); ok {
			diffMaps(p, c, path, out)
			return
		}
	case []any:
		if c, ok := curr.([]any); ok && len(c) == len(p) {
			for i := range p {
				diffValues(p[i], c[i], childPath(path, strconv.Itoa(i)), out)
			}
			return
		}
	}
	if !equal(prev, curr) {
		*out = append(*out, Change{Path: FormatPointer(path), Op: OpSet, Value: curr})
	}
}

// Merge combines two deltas so that applying the result equals applying a
// then b. Where paths overlap, b wins. Paths are stable keys because Apply
// never removes array elements.
func Merge(a, b Delta) Delta {
	out := make(Delta, 0, len(a)+len(b))
	for _, ca := range a {
		if coveredBy(ca.Path, b) {
			continue
		}
		out = append(out, Change{Path: ca.Path, Op: ca.Op, Value: clone(ca.Value)})
	}

	for _, cb := range b {
		cb = Change{Path: cb.Path, Op: cb.Op, Value: clone(cb.Value)}
		if i := ancestorSet(out, cb.Path); i >= 0 && foldInto(&out[i], cb) {
			continue
		}
		out = append(out, cb)
	}
	sortDelta(out)
	return out
}

func coveredBy(path string, d Delta) bool {
	for _, c := range d {
		if c.Path == path || isAncestor(c.Path, path) {
			return true
		}
	}
	return false
}

// ancestorSet returns the index of the deepest set change whose path is an
// ancestor of path, or -1.
func ancestorSet(d Delta, path string) int {
	best := -1
	for i, c := range d {
		if c.Op != OpSet || !isAncestor(c.Path, path) {
			continue
		}
		if best < 0 || len(c.Path) > len(d[best].Path) {
			best = i
		}
	}
	return best
}

// foldInto applies child onto the value held by parent. It leaves parent
// untouched and reports false when the relative path does not resolve.
func foldInto(parent *Change, child Change) bool {
	segs, err := ParsePointer(child.Path[len(parent.Path):])
	if err != nil || len(segs) == 0 {
		return false
	}
	switch parent.Value.(type) {
	case map[string]any, []any:
	default:
		return false
	}
	patched, err := applyAt(clone(parent.Value), segs, child)
	if err != nil {
		return false
	}
	parent.Value = patched
	return true
}

// Apply returns a copy of doc with d applied. The input is not modified.
func Apply(doc map[string]any, d Delta) (map[string]any, error) {
	root, err := normalizeDoc(doc)
	if err != nil {
		return nil, err
	}
	var cur any = root
	for _, c := range d {
		segs, err := ParsePointer(c.Path)
		if err != nil {
			return nil, err
		}
		if c.Op != OpSet && c.Op != OpUnset {
			return nil, fmt.Errorf("%w: %s: unknown op %q", ErrInvalidPath, c.Path, c.Op)
		}
		value, err := normalize(c.Value, segs)
		if err != nil {
			return nil, err
		}
		c.Value = value
		if len(segs) == 0 {
			m, ok := value.(map[string]any)
			if c.Op != OpSet || !ok {
				return nil, fmt.Errorf("%w: root can only be replaced by an object", ErrInvalidPath)
			}
			cur = m
			continue
		}
		if cur, err = applyAt(cur, segs, c); err != nil {
			return nil, err
		}
	}
	return cur.(map[string]any), nil
}

// applyAt mutates node in place where possible and returns the (possibly
// reallocated) node.
func applyAt(node any, segs []string, c Change) (any, error) {
	key := segs[0]
	last := len(segs) == 1

	switch n := node.(type) {
	case map[string]any:
		if last {
			if c.Op == OpUnset {
				delete(n, key)
			} else {
				n[key] = clone(c.Value)
			}
			return n, nil
		}
		child, ok := n[key]
		if !ok || child == nil {
			if c.Op == OpUnset {
				return n, nil
			}
			child = map[string]any{}
		}
		nc, err := applyAt(child, segs[1:], c)
		if err != nil {
			return nil, err
		}
		n[key] = nc
		return n, nil

	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx > len(n) {
			return nil, fmt.Errorf("%w: %s: index %q out of range", ErrInvalidPath, c.Path, key)
		}
		if last {
			// Removing an element would shift every later index, so a
			// shrinking array has to be replaced whole.
			if c.Op == OpUnset {
				return nil, fmt.Errorf("%w: %s: array elements cannot be unset", ErrInvalidPath, c.Path)
			}
			if idx == len(n) {
				return append(n, clone(c.Value)), nil
			}
			n[idx] = clone(c.Value)
			return n, nil
		}
		if idx == len(n) {
			return nil, fmt.Errorf("%w: %s: index %d out of range", ErrInvalidPath, c.Path, idx)
		}
		nc, err := applyAt(n[idx], segs[1:], c)
		if err != nil {
			return nil, err
		}
		n[idx] = nc
		return n, nil
	}
	return nil, fmt.Errorf("%w: %s: parent is not an object or array", ErrInvalidPath, c.Path)
}
