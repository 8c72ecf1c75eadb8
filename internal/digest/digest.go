// Package digest computes a streaming, byte-budget-capped content hash.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

const bufferSize = 8 * 1024

// Error wraps a read/open failure encountered while digesting path.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("digest: %s: %v", e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Sum returns the lowercase hex BLAKE2b-512 digest of the leading maxBytes
// of the file at path. A maxBytes <= 0 digests the whole file. Memory use
// is bounded by the read buffer, not the file size.
func Sum(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &Error{Path: path, Err: err}
	}
	defer f.Close()

	h, err := blake2b.New512(nil)
	if err != nil {
		return "", &Error{Path: path, Err: err}
	}

	buf := make([]byte, bufferSize)
	var fed int64
	for {
		if maxBytes > 0 && fed >= maxBytes {
			break
		}
		n := len(buf)
		if maxBytes > 0 {
			if remaining := maxBytes - fed; remaining < int64(n) {
				n = int(remaining)
			}
		}
		read, readErr := f.Read(buf[:n])
		if read > 0 {
			h.Write(buf[:read])
			fed += int64(read)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", &Error{Path: path, Err: readErr}
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
