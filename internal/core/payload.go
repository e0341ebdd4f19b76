package core

import (
	"errors"
	"fmt"
	"io"
)

// Payload is the transport-ready body of one chunk.
type Payload struct {
	// Raw is the pre-compression byte range; digests are taken over it.
	Raw        []byte
	Body       []byte
	Compressed bool
}

// ReadRange reads exactly length bytes at offset from the file at rel.
// A short read means the file changed since planning.
func ReadRange(src *Source, rel string, offset, length int64) ([]byte, error) {
	f, err := src.FS.Open(src.Path(rel))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}

	n, err := f.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("short read on %s at offset %d: got %d of %d bytes", rel, offset, n, length)
		}
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	return buf, nil
}

// ReadHead returns up to n leading bytes of the file at rel.
func ReadHead(src *Source, rel string, n int) ([]byte, error) {
	f, err := src.FS.Open(src.Path(rel))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

// NewPayload builds a chunk body, gzipping it when compress is set.
func NewPayload(raw []byte, compress bool) (*Payload, error) {
	p := &Payload{Raw: raw, Body: raw}
	if !compress {
		return p, nil
	}

	body, err := Compress(raw)
	if err != nil {
		return nil, err
	}
	p.Body = body
	p.Compressed = true
	return p, nil
}
