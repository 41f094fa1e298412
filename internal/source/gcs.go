package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures the gs:// fetcher. An empty CredentialsFile uses
// application default credentials.
type GCSConfig struct {
	CredentialsFile string
}

// gcsFetcher downloads gs://bucket/object archives.
type gcsFetcher struct {
	cfg    GCSConfig
	once   sync.Once
	client *storage.Client
	err    error
}

func newGCSFetcher(cfg GCSConfig) *gcsFetcher {
	return &gcsFetcher{cfg: cfg}
}

func (f *gcsFetcher) clientFor(ctx context.Context) (*storage.Client, error) {
	f.once.Do(func() {
		var opts []option.ClientOption
		if f.cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(f.cfg.CredentialsFile))
		}
		f.client, f.err = storage.NewClient(context.WithoutCancel(ctx), opts...)
		if f.err != nil {
			f.err = fmt.Errorf("failed to create gcs client: %w", f.err)
		}
	})
	return f.client, f.err
}

func (f *gcsFetcher) Fetch(ctx context.Context, ref *url.URL, dst *os.File) error {
	bucket, object, err := objectRef(ref)
	if err != nil {
		return err
	}
	client, err := f.clientFor(ctx)
	if err != nil {
		return err
	}

	rc, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("gcs open failed: %w", err)
	}
	defer rc.Close()

	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("gcs download failed: %w", err)
	}
	return nil
}
