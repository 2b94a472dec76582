package discovery

import (
	"path/filepath"
)

// PathFilter decides which trace files are indexed at all. The zero value
// allows everything.
type PathFilter struct {
	AllowedPaths []string
	BlockedPaths []string
}

// IsAllowed reports whether path may be indexed. When AllowedPaths is
// non-empty the path must match at least one pattern; it must then match no
// BlockedPaths pattern.
func (f PathFilter) IsAllowed(path string) bool {
	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, path) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, path) {
			return false
		}
	}
	return true
}

// IsNoop reports whether the filter admits every path.
func (f PathFilter) IsNoop() bool {
	return len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}

// matchPathOrParent checks pattern against path and each of its parents, so
// "/home/user/*" also covers "/home/user/work/project/trace.jsonl".
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}
