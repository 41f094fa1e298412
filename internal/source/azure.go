package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureConfig configures the az://container/blob fetcher.
type AzureConfig struct {
	ConnectionString string
}

// azureFetcher downloads blobs from Azure Storage.
type azureFetcher struct {
	cfg    AzureConfig
	once   sync.Once
	client *azblob.Client
	err    error
}

func newAzureFetcher(cfg AzureConfig) *azureFetcher {
	return &azureFetcher{cfg: cfg}
}

func (f *azureFetcher) clientFor() (*azblob.Client, error) {
	f.once.Do(func() {
		if f.cfg.ConnectionString == "" {
			f.err = errors.New("azure storage connection string is not configured")
			return
		}
		f.client, f.err = azblob.NewClientFromConnectionString(f.cfg.ConnectionString, nil)
		if f.err != nil {
			f.err = fmt.Errorf("failed to create azure blob client: %w", f.err)
		}
	})
	return f.client, f.err
}

func (f *azureFetcher) Fetch(ctx context.Context, ref *url.URL, dst *os.File) error {
	container, blob, err := objectRef(ref)
	if err != nil {
		return err
	}
	client, err := f.clientFor()
	if err != nil {
		return err
	}

	if _, err := client.DownloadFile(ctx, container, blob, dst, nil); err != nil {
		return fmt.Errorf("azure download failed: %w", err)
	}
	return nil
}
