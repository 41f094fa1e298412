// Package patch applies and builds octodiff binary deltas.
//
// A delta starts with the "OCTODELTA" magic, a version byte, the name of the
// hash algorithm, the expected hash of the patched output and the ">>>" end
// marker. Commands follow until EOF: 0x60 copies a range of the original file,
// 0x80 inserts literal bytes. Integers are little-endian.
package patch

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrSignatureMismatch means the original file is not the one the delta was built against.
	ErrSignatureMismatch = errors.New("patch signature mismatch")
	// ErrCorruptDelta means the delta file could not be parsed.
	ErrCorruptDelta = errors.New("corrupt delta")
)

const (
	version    = 0x01
	cmdCopy    = 0x60
	cmdData    = 0x80
	maxNameLen = 64
	maxHashLen = 64
)

var (
	magic     = []byte("OCTODELTA")
	endOfMeta = []byte(">>>")
)

// Header is the metadata at the start of a delta.
type Header struct {
	HashAlgorithm string
	ExpectedHash  []byte
}

func newHash(name string) (hash.Hash, error) {
	switch name {
	case "SHA1":
		return sha1.New(), nil
	case "SHA256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported hash algorithm %q", ErrCorruptDelta, name)
	}
}

// ReadHeader parses the delta header from r.
func ReadHeader(r *bufio.Reader) (Header, error) {
	var h Header

	buf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, magic) {
		return h, fmt.Errorf("%w: missing OCTODELTA header", ErrCorruptDelta)
	}
	v, err := r.ReadByte()
	if err != nil || v != version {
		return h, fmt.Errorf("%w: unsupported version", ErrCorruptDelta)
	}

	nameLen, err := binary.ReadUvarint(r)
	if err != nil || nameLen == 0 || nameLen > maxNameLen {
		return h, fmt.Errorf("%w: bad hash algorithm name", ErrCorruptDelta)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return h, fmt.Errorf("%w: truncated hash algorithm name", ErrCorruptDelta)
	}
	h.HashAlgorithm = string(name)

	var hashLen int32
	if err := binary.Read(r, binary.LittleEndian, &hashLen); err != nil || hashLen <= 0 || hashLen > maxHashLen {
		return h, fmt.Errorf("%w: bad hash length", ErrCorruptDelta)
	}
	h.ExpectedHash = make([]byte, hashLen)
	if _, err := io.ReadFull(r, h.ExpectedHash); err != nil {
		return h, fmt.Errorf("%w: truncated expected hash", ErrCorruptDelta)
	}

	buf = make([]byte, len(endOfMeta))
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, endOfMeta) {
		return h, fmt.Errorf("%w: missing end of metadata", ErrCorruptDelta)
	}
	return h, nil
}

// Apply reconstructs the patched file from original and delta, writing it to
// out. Partial output may have been written when an error is returned.
func Apply(original io.ReadSeeker, delta io.Reader, out io.Writer) error {
	originalSize, err := original.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to size original: %w", err)
	}

	r := bufio.NewReader(delta)
	header, err := ReadHeader(r)
	if err != nil {
		return err
	}
	hasher, err := newHash(header.HashAlgorithm)
	if err != nil {
		return err
	}
	w := io.MultiWriter(out, hasher)

	for {
		cmd, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read delta: %w", err)
		}

		switch cmd {
		case cmdCopy:
			var offset, length int64
			if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
				return fmt.Errorf("%w: truncated copy command", ErrCorruptDelta)
			}
			if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
				return fmt.Errorf("%w: truncated copy command", ErrCorruptDelta)
			}
			if offset < 0 || length < 0 || offset+length > originalSize {
				return fmt.Errorf("%w: copy of %d bytes at %d exceeds original size %d", ErrSignatureMismatch, length, offset, originalSize)
			}
			if _, err := original.Seek(offset, io.SeekStart); err != nil {
				return fmt.Errorf("failed to seek original: %w", err)
			}
			if _, err := io.CopyN(w, original, length); err != nil {
				return fmt.Errorf("failed to copy from original: %w", err)
			}
		case cmdData:
			var length int64
			if err := binary.Read(r, binary.LittleEndian, &length); err != nil || length < 0 {
				return fmt.Errorf("%w: bad data command", ErrCorruptDelta)
			}
			if _, err := io.CopyN(w, r, length); err != nil {
				return fmt.Errorf("%w: truncated data command", ErrCorruptDelta)
			}
		default:
			return fmt.Errorf("%w: unknown command 0x%02x", ErrCorruptDelta, cmd)
		}
	}

	if !bytes.Equal(hasher.Sum(nil), header.ExpectedHash) {
		return fmt.Errorf("%w: patched output does not match expected %s hash", ErrSignatureMismatch, header.HashAlgorithm)
	}
	return nil
}

// ApplyFile patches the file at originalPath with the delta at deltaPath and
// returns the patched bytes.
func ApplyFile(originalPath, deltaPath string) ([]byte, error) {
	original, err := os.Open(originalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open original: %w", err)
	}
	defer original.Close()

	delta, err := os.Open(deltaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open delta: %w", err)
	}
	defer delta.Close()

	var out bytes.Buffer
	if err := Apply(original, delta, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// ApplyFileTo patches originalPath with deltaPath and writes the result to
// destPath through a temporary file, so destPath is untouched on failure.
// destPath may equal originalPath. The result keeps the original's mode.
func ApplyFileTo(originalPath, deltaPath, destPath string) error {
	original, err := os.Open(originalPath)
	if err != nil {
		return fmt.Errorf("failed to open original: %w", err)
	}
	defer original.Close()
	info, err := original.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat original: %w", err)
	}

	delta, err := os.Open(deltaPath)
	if err != nil {
		return fmt.Errorf("failed to open delta: %w", err)
	}
	defer delta.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".patch-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	err = Apply(original, delta, tmp)
	if err == nil {
		err = tmp.Chmod(info.Mode().Perm())
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	_ = original.Close()
	if err == nil {
		err = os.Rename(tmpName, destPath)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
