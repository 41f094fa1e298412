package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	"github.com/Backblaze/blazer/b2"
)

// B2Config configures the b2://bucket/object fetcher.
type B2Config struct {
	AccountID      string
	ApplicationKey string
}

// b2Fetcher downloads objects from Backblaze B2.
type b2Fetcher struct {
	cfg    B2Config
	once   sync.Once
	client *b2.Client
	err    error
}

func newB2Fetcher(cfg B2Config) *b2Fetcher {
	return &b2Fetcher{cfg: cfg}
}

func (f *b2Fetcher) clientFor(ctx context.Context) (*b2.Client, error) {
	f.once.Do(func() {
		if f.cfg.AccountID == "" || f.cfg.ApplicationKey == "" {
			f.err = errors.New("b2 account id and application key are not configured")
			return
		}
		f.client, f.err = b2.NewClient(context.WithoutCancel(ctx), f.cfg.AccountID, f.cfg.ApplicationKey)
		if f.err != nil {
			f.err = fmt.Errorf("failed to create b2 client: %w", f.err)
		}
	})
	return f.client, f.err
}

func (f *b2Fetcher) Fetch(ctx context.Context, ref *url.URL, dst *os.File) error {
	bucketName, object, err := objectRef(ref)
	if err != nil {
		return err
	}
	client, err := f.clientFor(ctx)
	if err != nil {
		return err
	}

	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("b2 bucket %s: %w", bucketName, err)
	}
	r := bucket.Object(object).NewReader(ctx)
	defer r.Close()

	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("b2 download failed: %w", err)
	}
	return nil
}
