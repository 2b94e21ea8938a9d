// Package sha256 includes tests for the SHA-256 digest helpers.
package sha256

import (
	"bytes"
	"errors"
	"testing"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

// TestHashDeterministic ensures repeated hashing yields the same digest.
func TestHashDeterministic(t *testing.T) {
	t.Parallel()

	if got := Hash([]byte("hello world")); got != helloDigest {
		t.Fatalf("expected %s, got %s", helloDigest, got)
	}
	if Hash([]byte("hello world")) != Hash([]byte("hello world")) {
		t.Fatal("expected deterministic hash")
	}
}

func TestWriterForwardsAndHashes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, part := range []string{"hello", " ", "world"} {
		if _, err := w.Write([]byte(part)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if buf.String() != "hello world" {
		t.Fatalf("expected forwarded bytes, got %q", buf.String())
	}
	if w.Sum() != helloDigest {
		t.Fatalf("expected %s, got %s", helloDigest, w.Sum())
	}
	if w.Size() != int64(len("hello world")) {
		t.Fatalf("expected size 11, got %d", w.Size())
	}
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) {
	return len(p) / 2, errors.New("disk full")
}

func TestWriterOnlyHashesAcceptedBytes(t *testing.T) {
	t.Parallel()

	w := NewWriter(shortWriter{})
	n, err := w.Write([]byte("abcd"))
	if err == nil || n != 2 {
		t.Fatalf("expected short write error, got n=%d err=%v", n, err)
	}
	if w.Sum() != Hash([]byte("ab")) {
		t.Fatal("expected digest of accepted prefix only")
	}
}
