package core

import "testing"

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"*.log", "node_modules/", ".git/objects", "build/**.o", " "})

	tests := []struct {
		path     string
		excluded bool
	}{
		{"a.log", true},
		{"logs/deep/b.log", true},
		{"b.txt", false},
		{"node_modules", true},
		{"web/node_modules", true},
		{".git/objects", true},
		{".git/objects/ab/cdef", true},
		{".git/HEAD", false},
		{"build/x/y.o", true},
		{"build/x/y.c", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := m.Excluded(tt.path); got != tt.excluded {
				t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.excluded)
			}
		})
	}

	t.Run("nil matcher excludes nothing", func(t *testing.T) {
		var none *Matcher
		if none.Excluded("a.log") {
			t.Error("nil matcher should not exclude")
		}
	})
}
