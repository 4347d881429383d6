package diff

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	unescaper = strings.NewReplacer("~1", "/", "~0", "~")
	escaper   = strings.NewReplacer("~", "~0", "/", "~1")
)

// ParsePointer splits a JSON Pointer into unescaped segments.
// The empty pointer addresses the whole document and yields no segments.
func ParsePointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if p[0] != '/' {
		return nil, fmt.Errorf("%w: %q must start with '/'", ErrInvalidPath, p)
	}
	segs := strings.Split(p[1:], "/")
	for i, s := range segs {
		segs[i] = unescaper.Replace(s)
	}
	return segs, nil
}

// FormatPointer joins segments into an escaped JSON Pointer.
func FormatPointer(segs []string) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		b.WriteString(escaper.Replace(s))
	}
	return b.String()
}

// isAncestor reports whether parent is a strict prefix of child in pointer
// terms ("/a" is an ancestor of "/a/b", not of "/ab").
func isAncestor(parent, child string) bool {
	return len(child) > len(parent) &&
		strings.HasPrefix(child, parent) &&
		child[len(parent)] == '/'
}

// comparePaths orders pointers segment by segment so parents come first and
// array indices sort numerically.
func comparePaths(a, b string) int {
	if a == b {
		return 0
	}
	as, _ := ParsePointer(a)
	bs, _ := ParsePointer(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegments(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return strings.Compare(a, b)
}

func compareSegments(a, b string) int {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
