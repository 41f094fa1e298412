package source

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/breeze-rmm/gamefix/internal/httputil"
)

const defaultHTTPTimeout = 30 * time.Minute

// httpFetcher downloads archives over HTTP(S), retrying transient failures.
type httpFetcher struct {
	client *http.Client
	retry  httputil.RetryConfig
}

func newHTTPFetcher(timeout time.Duration, retry httputil.RetryConfig) *httpFetcher {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if retry == (httputil.RetryConfig{}) {
		retry = httputil.DefaultRetryConfig()
	}
	return &httpFetcher{
		client: &http.Client{Timeout: timeout},
		retry:  retry,
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, ref *url.URL, dst *os.File) error {
	_, err := httputil.Download(ctx, f.client, ref.String(), dst, f.retry)
	return err
}
