package core

import "sort"

type Node interface {
	Path() string
	Name() string
}

// File is a regular file in the scanned tree. path is relative to the
// source root, slash separated.
type File struct {
	path string
	name string
	size int64
	dir  *Dir
}

type Dir struct {
	path     string
	name     string
	children []Node
	parent   *Dir
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Size() int64 {
	return f.size
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) Name() string {
	return d.name
}

func (d *Dir) Children() []Node {
	return d.children
}

// sortChildren orders entries by name so scans are deterministic across backends.
func (d *Dir) sortChildren() {
	sort.Slice(d.children, func(i, j int) bool {
		return d.children[i].Name() < d.children[j].Name()
	})
}
