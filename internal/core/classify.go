package core

import (
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type ContentKind int

const (
	KindUnknown ContentKind = iota
	KindText
	KindBinary
)

func (k ContentKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// compressibleExtensions are always treated as text.
var compressibleExtensions = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".js": true, ".ts": true,
	".html": true, ".css": true, ".json": true, ".xml": true,
	".yml": true, ".yaml": true, ".go": true, ".csv": true, ".sql": true,
}

// binaryExtensions are formats that are already compressed.
var binaryExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".mp4": true, ".mov": true, ".avi": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".xz": true, ".7z": true,
}

// skipExtensions are build artifacts never worth uploading.
var skipExtensions = map[string]bool{
	".pyc": true, ".pyo": true, ".pyd": true,
	".so": true, ".dylib": true, ".dll": true, ".exe": true,
}

// SkipExtension reports whether the file is a build artifact to leave out.
func SkipExtension(name string) bool {
	return skipExtensions[strings.ToLower(path.Ext(name))]
}

// Classify decides whether a file is text or binary. The extension wins
// when it is known; otherwise head (the first bytes of the file) is
// sniffed. An empty head with an unknown extension is KindUnknown.
func Classify(name string, head []byte) ContentKind {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case compressibleExtensions[ext]:
		return KindText
	case binaryExtensions[ext], skipExtensions[ext]:
		return KindBinary
	}

	if len(head) == 0 {
		return KindUnknown
	}

	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return KindText
		}
	}
	return KindBinary
}
