// Package checksum computes the content digests used to verify chunks and
// reassembled files.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Checksum is a lowercase hex SHA-256 digest.
type Checksum string

// Digest hashes a byte slice. Chunk digests are always taken over the
// uncompressed bytes.
func Digest(b []byte) Checksum {
	sum := sha256.Sum256(b)
	return Checksum(hex.EncodeToString(sum[:]))
}

// Verify reports whether actual matches expected. Comparison is
// case-insensitive so digests echoed back by remotes in upper case still match.
func Verify(expected, actual Checksum) bool {
	if expected == "" || actual == "" {
		return false
	}
	e := strings.ToLower(string(expected))
	a := strings.ToLower(string(actual))
	return subtle.ConstantTimeCompare([]byte(e), []byte(a)) == 1
}

// DigestReader hashes everything r yields and returns the digest and the
// number of bytes read.
func DigestReader(r io.Reader) (Checksum, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to hash content: %w", err)
	}
	return Checksum(hex.EncodeToString(h.Sum(nil))), n, nil
}

// Hasher accumulates a digest over a sequence of writes, such as the
// chunks of one file fed in offset order.
type Hasher struct {
	h hash.Hash
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Checksum {
	return Checksum(hex.EncodeToString(h.h.Sum(nil)))
}

func (c Checksum) String() string {
	return string(c)
}
