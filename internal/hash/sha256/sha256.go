// Package sha256 computes SHA-256 digests of export artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Writer hashes everything written through it. Bytes are forwarded to the
// wrapped writer first; only bytes that writer accepted are hashed.
type Writer struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewWriter wraps w. A nil w only hashes.
func NewWriter(w io.Writer) *Writer {
	if w == nil {
		w = io.Discard
	}
	return &Writer{w: w, h: sha256.New()}
}

func (d *Writer) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.h.Write(p[:n])
	d.n += int64(n)
	return n, err
}

// Sum returns the hex digest of the bytes written so far.
func (d *Writer) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (d *Writer) Size() int64 {
	return d.n
}

// Hash returns the hex digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
