// Package ingest downloads lead feeds and loads new client records into the
// store with zero call history.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher downloads one feed and returns its raw items. Feeds are JSON
// arrays of objects; field extraction happens in the ingestor so unknown
// fields survive as opaque extras.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]map[string]any, error)
}

// HTTPFetcher implements Fetcher over net/http with retries on transient
// upstream failures.
type HTTPFetcher struct {
	client     *http.Client
	maxRetries int
	log        *zap.Logger
}

// NewHTTPFetcher creates a fetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxRetries: 3,
		log:        zap.L().With(zap.String("component", "ingest.fetcher")),
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]map[string]any, error) {
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		items, retry, err := f.fetchOnce(ctx, url)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if !retry || attempt == f.maxRetries {
			break
		}

		f.log.Warn("feed fetch failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "ingest: fetch cancelled")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) (items []map[string]any, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "ingest: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, eris.Wrapf(err, "ingest: fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, retryableStatus(resp.StatusCode),
			eris.Errorf("ingest: fetch %s: status %d: %s", url, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, false, eris.Wrapf(err, "ingest: decode feed %s", url)
	}
	return items, false, nil
}
