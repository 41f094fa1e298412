// Package httputil downloads fix archives over HTTP. Mirrors and CDNs often
// answer with 429 or 5xx under load, so requests back off and try again.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/breeze-rmm/gamefix/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig bounds how often and how slowly a request is repeated.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // 0.3 spreads each wait over 70%..130%
}

// DefaultRetryConfig is used for archive staging when no config is given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// backoff yields the wait before each retry.
type backoff struct {
	cfg  RetryConfig
	next time.Duration
}

func (b *backoff) wait(hint time.Duration) time.Duration {
	d := applyJitter(b.next, b.cfg.JitterFrac)
	if hint > d {
		d = hint
	}
	if b.cfg.MaxDelay > 0 && d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.next = time.Duration(float64(b.next) * b.cfg.BackoffFactor)
	if b.cfg.MaxDelay > 0 && b.next > b.cfg.MaxDelay {
		b.next = b.cfg.MaxDelay
	}
	return d
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Do sends the request until the server gives a non-transient answer or the
// retries run out. body is replayed on every attempt. A Retry-After header
// stretches the next wait, up to MaxDelay.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	b := &backoff{cfg: cfg, next: cfg.InitialDelay}
	var (
		lastErr error
		hint    time.Duration
	)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d := b.wait(hint)
			log.Debugw("retrying archive request", "attempt", attempt, "delay", d, "url", url)
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		hint = 0

		resp, err := send(ctx, client, method, url, body, headers)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if !transientStatus[resp.StatusCode] {
			return resp, nil
		}

		hint = retryAfter(resp)
		resp.Body.Close()
		lastErr = &RetryableStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	log.Warnw("archive request gave up", "method", method, "url", url, "attempts", cfg.MaxRetries+1, logging.KeyError, lastErr)
	return nil, lastErr
}

func send(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return client.Do(req)
}

// Download streams the archive at url into w. Anything but 200 is an error.
func Download(ctx context.Context, client *http.Client, url string, w io.Writer, cfg RetryConfig) (int64, error) {
	resp, err := Do(ctx, client, http.MethodGet, url, nil, nil, cfg)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("archive download interrupted after %d bytes: %w", n, err)
	}
	return n, nil
}

// RetryableStatusError is the last transient status seen before giving up.
type RetryableStatusError struct {
	StatusCode int
	URL        string
}

func (e *RetryableStatusError) Error() string {
	return fmt.Sprintf("%s still answered %d %s after retries", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// StatusError is a final answer other than 200.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	out := time.Duration(float64(d) * (1 + frac*(2*rand.Float64()-1)))
	if out < 0 {
		return 0
	}
	return out
}
