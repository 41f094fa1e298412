package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
)

// localFetcher copies archives already on a local or mounted filesystem.
type localFetcher struct{}

func (localFetcher) Fetch(ctx context.Context, ref *url.URL, dst *os.File) error {
	src, err := os.Open(ref.Path)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

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
