// Package source stages fix archives into the local staging directory so the
// installer can consume them as plain files. Each URL scheme has a Fetcher.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/fsutil"
	"github.com/breeze-rmm/gamefix/internal/httputil"
	"github.com/breeze-rmm/gamefix/internal/logging"
)

var log = logging.L("source")

// ErrUnsupportedScheme is returned for archive references no Fetcher handles.
var ErrUnsupportedScheme = errors.New("unsupported archive scheme")

// Fetcher copies the object behind ref into dst.
type Fetcher interface {
	Fetch(ctx context.Context, ref *url.URL, dst *os.File) error
}

// Config holds the settings of every built-in fetcher.
type Config struct {
	HTTPTimeout time.Duration
	Retry       httputil.RetryConfig
	S3          S3Config
	GCS         GCSConfig
	Azure       AzureConfig
	B2          B2Config
}

// Router stages archives by dispatching on the URL scheme.
type Router struct {
	stagingDir string
	mu         sync.RWMutex
	fetchers   map[string]Fetcher
}

// NewRouter creates a Router with the local, HTTP, S3, GCS, Azure and B2
// fetchers registered.
func NewRouter(stagingDir string, cfg Config) *Router {
	r := &Router{stagingDir: stagingDir, fetchers: map[string]Fetcher{}}

	httpFetcher := newHTTPFetcher(cfg.HTTPTimeout, cfg.Retry)
	r.Register("file", localFetcher{})
	r.Register("http", httpFetcher)
	r.Register("https", httpFetcher)
	r.Register("s3", newS3Fetcher(cfg.S3))
	r.Register("gs", newGCSFetcher(cfg.GCS))
	r.Register("az", newAzureFetcher(cfg.Azure))
	r.Register("b2", newB2Fetcher(cfg.B2))
	return r
}

// Register adds or replaces the fetcher for scheme.
func (r *Router) Register(scheme string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[strings.ToLower(scheme)] = f
}

// StagingDir is where staged archives live.
func (r *Router) StagingDir() string {
	return r.stagingDir
}

// Stage makes the archive behind rawURL available at StagedPath and returns
// that path. An archive already staged is not fetched again.
func (r *Router) Stage(ctx context.Context, rawURL string) (string, error) {
	dest := StagedPath(r.stagingDir, rawURL)
	if fsutil.Exists(dest) {
		log.Debugw("archive already staged", "path", dest)
		return dest, nil
	}

	ref := parseRef(rawURL)
	r.mu.RLock()
	fetcher, ok := r.fetchers[ref.Scheme]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", ref.Scheme, ErrUnsupportedScheme)
	}

	if err := os.MkdirAll(r.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	tmp, err := os.CreateTemp(r.stagingDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	start := time.Now()
	err = fetcher.Fetch(ctx, ref, tmp)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, dest)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to stage %s: %w", rawURL, err)
	}

	log.Infow("archive staged", "url", redact(ref), "path", dest, logging.KeyDurationMs, time.Since(start).Milliseconds())
	return dest, nil
}

// StageAll stages the archives of several fixes with at most limit fetches in
// flight. It returns the staged path of each fix that has an archive.
func (r *Router) StageAll(ctx context.Context, list []*fixes.FileFix, limit int) (map[uuid.UUID]string, error) {
	if limit < 1 {
		limit = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	staged := make(map[uuid.UUID]string, len(list))
	for _, fix := range list {
		if fix == nil || fix.Url == "" {
			continue
		}
		g.Go(func() error {
			p, err := r.Stage(ctx, fix.Url)
			if err != nil {
				return fmt.Errorf("%s: %w", fix.Name, err)
			}
			mu.Lock()
			staged[fix.Guid] = p
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return staged, err
}

// StagedPath is the local file an archive reference is staged to: the last
// element of its path inside stagingDir. Local paths resolve to themselves.
func StagedPath(stagingDir, rawURL string) string {
	ref := parseRef(rawURL)
	if ref.Scheme == "file" {
		return ref.Path
	}
	name := path.Base(ref.Path)
	if name == "" || name == "." || name == "/" {
		sum := sha256.Sum256([]byte(rawURL))
		name = hex.EncodeToString(sum[:8]) + ".zip"
	}
	return filepath.Join(stagingDir, name)
}

// parseRef parses an archive reference. Bare paths, including Windows drive
// paths, become file URLs.
func parseRef(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil || len(u.Scheme) <= 1 {
		return &url.URL{Scheme: "file", Path: filepath.Clean(raw)}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "file" {
		u.Path = filepath.FromSlash(u.Path)
	}
	return u
}

// redact drops credentials and query strings from a URL for logging.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}

// objectRef splits a bucket-style reference into bucket and object name.
func objectRef(ref *url.URL) (string, string, error) {
	bucket := ref.Host
	object := strings.TrimPrefix(ref.Path, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("%s reference must name a bucket and an object", ref.Scheme)
	}
	return bucket, object, nil
}
