// Package checksum computes the content fingerprints stored in manifests.
//
// The digest is SHA-1 rendered as 40 uppercase hex characters. Producer and
// consumer compare fingerprints as opaque strings, so the algorithm and the
// encoding must never change independently on either side.
package checksum

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/spf13/afero"
)

const bufferSize = 64 * 1024 // 64KB buffer

// Size is the length of an encoded fingerprint.
const Size = sha1.Size * 2

// Sum returns the fingerprint of data.
func Sum(data []byte) string {
	sum := sha1.Sum(data)
	return encode(sum[:])
}

// CalculateFile hashes the file at path on fsys.
func CalculateFile(fsys afero.Fs, path string) (string, error) {
	file, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	return Calculate(file)
}

// Calculate hashes everything read from r.
func Calculate(r io.Reader) (string, error) {
	h := sha1.New()
	buffer := make([]byte, bufferSize)

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			if _, err := h.Write(buffer[:n]); err != nil {
				return "", fmt.Errorf("write to hash: %w", err)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
	}

	return encode(h.Sum(nil)), nil
}

// Writer forwards writes to an underlying writer while hashing them.
type Writer struct {
	w    io.Writer
	hash hash.Hash
	n    int64
}

// NewWriter creates a Writer in front of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:    w,
		hash: sha1.New(),
	}
}

// Write implements io.Writer. Only bytes accepted by the underlying writer
// are hashed.
func (cw *Writer) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.hash.Write(p[:n])
		cw.n += int64(n)
	}
	return n, err
}

// Checksum returns the fingerprint of everything written so far.
func (cw *Writer) Checksum() string {
	return encode(cw.hash.Sum(nil))
}

// Written returns the number of bytes written so far.
func (cw *Writer) Written() int64 {
	return cw.n
}

// Equal compares two fingerprints. Case is ignored so that manifests written
// by older tools with lowercase hex still match.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Valid reports whether s looks like a fingerprint.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func encode(sum []byte) string {
	return strings.ToUpper(hex.EncodeToString(sum))
}
