package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// ParseSource validates a source path given on the command line and
// returns its absolute form.
func ParseSource(raw string) (ParsedPath, error) {
	if strings.TrimSpace(raw) == "" {
		return ParsedPath{}, &ValidationError{Arg: "<source>", Cause: "no source provided"}
	}

	p, err := filepath.Abs(filepath.Clean(raw))
	if err != nil {
		return ParsedPath{}, &ValidationError{Arg: raw, Cause: "cannot resolve path"}
	}

	info, err := os.Stat(p)
	if err != nil {
		return ParsedPath{}, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
	}

	kind := PathFile
	if info.IsDir() {
		kind = PathDir
	} else if !info.Mode().IsRegular() {
		return ParsedPath{}, &ValidationError{Arg: raw, Cause: "not a regular file or directory"}
	}

	return ParsedPath{FullPath: p, Kind: kind}, nil
}

// ParseRepo validates an "owner/name" repository identifier.
func ParseRepo(raw string) (string, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", &ValidationError{Arg: raw, Cause: "repository must be owner/name"}
	}
	for _, part := range parts {
		if part == "." || part == ".." || strings.ContainsAny(part, " \\") {
			return "", &ValidationError{Arg: raw, Cause: "repository contains invalid characters"}
		}
	}
	return raw, nil
}
