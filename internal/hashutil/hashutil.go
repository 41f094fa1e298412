// Package hashutil computes and checks content hashes of fix archives and
// installed files. Hashes travel as "algo:hex" strings.
package hashutil

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Algorithm names used in "algo:hex" strings.
const (
	MD5    = "md5"
	SHA256 = "sha256"
)

// ErrHashMismatch is returned when content does not match its expected hash.
var ErrHashMismatch = errors.New("hash mismatch")

// MismatchError carries the expected and actual values of a failed check.
type MismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error { return ErrHashMismatch }

// Parse splits an "algo:hex" string. A bare hex string is classified by its
// length: 32 characters is MD5, 64 is SHA-256.
func Parse(s string) (algo, sum string, err error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		algo, sum = strings.ToLower(s[:i]), strings.ToLower(s[i+1:])
	} else {
		sum = strings.ToLower(s)
		switch len(sum) {
		case md5.Size * 2:
			algo = MD5
		case sha256.Size * 2:
			algo = SHA256
		default:
			return "", "", fmt.Errorf("cannot infer hash algorithm from %d hex characters", len(sum))
		}
	}
	if _, err := newHash(algo); err != nil {
		return "", "", err
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", "", fmt.Errorf("invalid %s digest: %w", algo, err)
	}
	return algo, sum, nil
}

func newHash(algo string) (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algo)
	}
}

// Reader hashes everything read from r with algo and returns the hex digest.
func Reader(ctx context.Context, algo string, r io.Reader) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the hex digest of the file at path.
func File(ctx context.Context, algo, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Reader(ctx, algo, f)
}

// Checksum returns the "sha256:<hex>" checksum recorded for installed files.
func Checksum(ctx context.Context, path string) (string, error) {
	sum, err := File(ctx, SHA256, path)
	if err != nil {
		return "", err
	}
	return SHA256 + ":" + sum, nil
}

// Verify checks the file at path against expected ("algo:hex" or bare hex).
// An empty expected value always passes.
func Verify(ctx context.Context, path, expected string) error {
	if expected == "" {
		return nil
	}
	algo, want, err := Parse(expected)
	if err != nil {
		return err
	}
	got, err := File(ctx, algo, path)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	if got != want {
		return &MismatchError{Path: path, Expected: algo + ":" + want, Actual: algo + ":" + got}
	}
	return nil
}

// ctxReader stops a long hash between reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
