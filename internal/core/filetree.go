package core

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// Source is the tree being uploaded: a filesystem plus the entry inside
// it that is the source root (a directory or a single file).
type Source struct {
	FS    billy.Filesystem
	Root  string
	IsDir bool
}

// OpenSource roots an OS filesystem at the parent of sourcePath.
func OpenSource(sourcePath string) (*Source, error) {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, err
	}
	return NewSource(osfs.New(filepath.Dir(abs)), filepath.Base(abs))
}

// NewSource wraps an existing filesystem; root must exist in fsys.
func NewSource(fsys billy.Filesystem, root string) (*Source, error) {
	info, err := fsys.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", root, err)
	}
	return &Source{FS: fsys, Root: root, IsDir: info.IsDir()}, nil
}

// Path maps a relative file path from a plan back to its location in FS.
func (s *Source) Path(rel string) string {
	if !s.IsDir {
		return s.Root
	}
	return s.FS.Join(s.Root, filepath.FromSlash(rel))
}

type Filetree struct {
	Root Node
	// Unreadable lists relative paths of directories or files that could
	// not be listed or stat'ed. Scanning continues past them.
	Unreadable []string
	// Excluded counts entries dropped by the matcher.
	Excluded int
}

// BuildFiletree scans src, omitting every entry the matcher excludes.
func BuildFiletree(src *Source, matcher *Matcher) (*Filetree, error) {
	if src == nil {
		return nil, fmt.Errorf("no source provided")
	}

	tree := &Filetree{}

	if !src.IsDir {
		info, err := src.FS.Stat(src.Root)
		if err != nil {
			return nil, err
		}
		name := path.Base(filepath.ToSlash(src.Root))
		tree.Root = &File{path: name, name: name, size: info.Size()}
		return tree, nil
	}

	root := &Dir{
		path:     "",
		name:     path.Base(filepath.ToSlash(src.Root)),
		children: []Node{},
	}
	if err := tree.buildDirTree(src, root, matcher); err != nil {
		return nil, err
	}
	tree.Root = root

	return tree, nil
}

func (t *Filetree) buildDirTree(src *Source, dir *Dir, matcher *Matcher) error {
	entries, err := src.FS.ReadDir(src.Path(dir.path))
	if err != nil {
		if dir.parent == nil {
			return err
		}
		t.Unreadable = append(t.Unreadable, dir.path)
		return nil
	}

	for _, entry := range entries {
		childPath := path.Join(dir.path, entry.Name())
		if matcher.Excluded(childPath) {
			t.Excluded++
			continue
		}

		switch {
		case entry.IsDir():
			childDir := &Dir{
				path:     childPath,
				name:     entry.Name(),
				children: []Node{},
				parent:   dir,
			}
			if err := t.buildDirTree(src, childDir, matcher); err != nil {
				return err
			}
			dir.children = append(dir.children, childDir)
		case entry.Mode().IsRegular():
			dir.children = append(dir.children, &File{
				path: childPath,
				name: entry.Name(),
				size: entry.Size(),
				dir:  dir,
			})
		case entry.Mode()&os.ModeSymlink != 0:
			// symlinks are not followed
			t.Excluded++
		}
	}

	dir.sortChildren()
	return nil
}

// FlattenTree returns every file in the tree ordered by relative path.
func (t *Filetree) FlattenTree() []*File {
	var files []*File
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *File:
			files = append(files, v)
		case *Dir:
			for _, child := range v.children {
				walk(child)
			}
		}
	}
	if t.Root != nil {
		walk(t.Root)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files
}

// TotalSize sums the sizes recorded during the scan.
func (t *Filetree) TotalSize() int64 {
	var total int64
	for _, f := range t.FlattenTree() {
		total += f.size
	}
	return total
}
