package core

import (
	"path"
	"strings"
)

// Matcher decides which relative paths are left out of a scan.
// A pattern matches the full relative path, the base name, or any
// leading directory prefix of the path, so "node_modules" and
// ".git/objects" exclude whole subtrees.
type Matcher struct {
	patterns []string
}

func NewMatcher(patterns []string) *Matcher {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		cleaned = append(cleaned, strings.TrimSuffix(p, "/"))
	}
	return &Matcher{patterns: cleaned}
}

// Excluded reports whether relPath (slash separated) matches any pattern.
func (m *Matcher) Excluded(relPath string) bool {
	if m == nil || relPath == "" {
		return false
	}
	base := path.Base(relPath)
	for _, pattern := range m.patterns {
		if matchGlob(pattern, relPath) || matchGlob(pattern, base) {
			return true
		}
		if strings.Contains(pattern, "/") && hasDirPrefix(relPath, pattern) {
			return true
		}
	}
	return false
}

func hasDirPrefix(relPath, pattern string) bool {
	segments := strings.Split(relPath, "/")
	for i := 1; i < len(segments); i++ {
		if matchGlob(pattern, strings.Join(segments[:i], "/")) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, name string) bool {
	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		return strings.HasPrefix(name, parts[0]) && strings.HasSuffix(name, parts[1])
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
