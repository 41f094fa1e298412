// Package archive extracts fix archives into a staging directory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/breeze-rmm/gamefix/internal/fsutil"
	"github.com/breeze-rmm/gamefix/internal/logging"
)

var log = logging.L("archive")

// maxEntrySize caps a single extracted entry.
var maxEntrySize int64 = 4 << 30

var (
	// ErrVariantNotFound is returned when no archive entry belongs to the requested variant.
	ErrVariantNotFound = errors.New("variant not found in archive")
	// ErrEntrySize is returned for entries over the size cap or whose
	// content does not match the size in the zip header.
	ErrEntrySize = errors.New("archive entry size invalid")
)

// Entry is one extracted file or directory, relative to the extraction root.
type Entry struct {
	Rel   string // slash separated, no trailing slash
	IsDir bool
	Size  int64
}

// Options controls extraction.
type Options struct {
	// Variant, when set, keeps only entries under "<Variant>/" and strips the prefix.
	Variant string
	// Progress is called after each entry with the count done and the total.
	Progress func(done, total int)
}

// Extract unpacks the zip at archivePath into dest and returns every file and
// directory it produced, sorted by path. Implicit parent directories are
// reported as directory entries.
func Extract(ctx context.Context, archivePath, dest string, opts Options) ([]Entry, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	selected := selectEntries(reader.File, opts.Variant)
	if opts.Variant != "" && len(selected) == 0 {
		return nil, fmt.Errorf("%q (archive has %s): %w", opts.Variant, strings.Join(variants(reader.File), ", "), ErrVariantNotFound)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	dirs := map[string]bool{}
	var entries []Entry
	for i, sel := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target, err := fsutil.ContainedPath(dest, sel.rel)
		if err != nil {
			return nil, err
		}
		addParents(dirs, sel.rel)

		if sel.file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", sel.rel, err)
			}
			dirs[sel.rel] = true
		} else {
			size, err := extractFile(sel.file, target)
			if err != nil {
				return nil, fmt.Errorf("failed to extract %s: %w", sel.rel, err)
			}
			entries = append(entries, Entry{Rel: sel.rel, Size: size})
		}

		if opts.Progress != nil {
			opts.Progress(i+1, len(selected))
		}
	}

	for dir := range dirs {
		entries = append(entries, Entry{Rel: dir, IsDir: true})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Rel < entries[j].Rel })

	log.Debugw("archive extracted", "archive", archivePath, "entries", len(entries), "variant", opts.Variant)
	return entries, nil
}

// Variants lists the top-level directory names of the archive.
func Variants(archivePath string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()
	return variants(reader.File), nil
}

func variants(files []*zip.File) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, f := range files {
		name := normalize(f.Name)
		top, _, found := strings.Cut(name, "/")
		if !found && !f.FileInfo().IsDir() {
			continue
		}
		if top != "" && !seen[top] {
			seen[top] = true
			out = append(out, top)
		}
	}
	sort.Strings(out)
	return out
}

type selection struct {
	file *zip.File
	rel  string
}

func selectEntries(files []*zip.File, variant string) []selection {
	prefix := ""
	if variant != "" {
		prefix = strings.Trim(normalize(variant), "/") + "/"
	}

	var out []selection
	for _, f := range files {
		name := normalize(f.Name)
		if prefix != "" {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}
		name = strings.TrimSuffix(name, "/")
		if name == "" || name == "." {
			continue
		}
		out = append(out, selection{file: f, rel: name})
	}
	return out
}

func normalize(name string) string {
	return strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "./")
}

func addParents(dirs map[string]bool, rel string) {
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs[dir] = true
	}
}

func extractFile(f *zip.File, target string) (int64, error) {
	if f.UncompressedSize64 > uint64(maxEntrySize) {
		return 0, fmt.Errorf("%d bytes exceeds %d: %w", f.UncompressedSize64, maxEntrySize, ErrEntrySize)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	src, err := f.Open()
	if err != nil {
		return 0, err
	}

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		_ = src.Close()
		return 0, err
	}

	n, err := io.Copy(dst, io.LimitReader(src, maxEntrySize+1))
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	closeErr = src.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && (n > maxEntrySize || uint64(n) != f.UncompressedSize64) {
		err = fmt.Errorf("wrote %d bytes, header says %d: %w", n, f.UncompressedSize64, ErrEntrySize)
	}
	if err != nil {
		_ = os.Remove(target)
		return 0, err
	}

	if mtime := f.Modified; !mtime.IsZero() {
		_ = os.Chtimes(target, mtime, mtime)
	}
	return n, nil
}
