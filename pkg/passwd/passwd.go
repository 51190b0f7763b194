// Package passwd parses the LibVNCServer password-file format: one
// password per line, an optional "__COMM__"-prefixed trailing comment,
// "__EMPTY__" standing in for the empty password, a "#" prefix
// commenting the whole line out, and a single "__BEGIN_VIEWONLY__"
// line separating full-access entries (above) from view-only entries
// (below).
package passwd

import (
	"bufio"
	"io"
	"strings"
)

const (
	commentMarker  = "__COMM__"
	emptyMarker    = "__EMPTY__"
	viewOnlyMarker = "__BEGIN_VIEWONLY__"
)

// File holds the parsed credential list and the view-only boundary:
// Passwords[:ViewOnlyBoundary] are full-access, the rest are view-only.
// ViewOnlyBoundary equals len(Passwords) when no view-only entries
// were present.
type File struct {
	Passwords       []string
	ViewOnlyBoundary int
}

// Parse reads a password file per the grammar above.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	sawBoundary := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, commentMarker); idx >= 0 {
			line = line[:idx]
		}
		if line == viewOnlyMarker {
			f.ViewOnlyBoundary = len(f.Passwords)
			sawBoundary = true
			continue
		}
		if line == "" {
			continue
		}
		if line == emptyMarker {
			line = ""
		}
		f.Passwords = append(f.Passwords, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawBoundary {
		f.ViewOnlyBoundary = len(f.Passwords)
	}
	return f, nil
}

// ParseString is a convenience wrapper over Parse for in-memory text,
// used by tests and by callers embedding a password list in config.
func ParseString(s string) (*File, error) {
	return Parse(strings.NewReader(s))
}

// Check reports whether password matches any entry, and whether the
// matching entry is view-only.
func (f *File) Check(password string) (ok bool, viewOnly bool) {
	for i, p := range f.Passwords {
		if p == password {
			return true, i >= f.ViewOnlyBoundary
		}
	}
	return false, false
}
