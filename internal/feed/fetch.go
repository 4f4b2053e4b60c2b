package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

// ErrRateLimited marks a 429 or 403 response from a source. Callers back
// off harder on this than on ordinary fetch failures.
var ErrRateLimited = errors.New("rate limited by source")

// ScrapeTimeLayout is the batch timestamp format the scraper stamps on raw
// payloads, in UTC.
const ScrapeTimeLayout = "2006-01-02 15:04:05"

// FetcherConfig configures a per-source HTTP poller.
type FetcherConfig struct {
	Logger *slog.Logger
	Source position.Source

	// URLs are polled round-robin, one per fetch.
	URLs []string

	// Timeout bounds a single fetch. Defaults to 10s.
	Timeout time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

func (c *FetcherConfig) Validate() error {
	if !c.Source.Valid() {
		return errors.New("a valid source is required")
	}
	if len(c.URLs) == 0 {
		return fmt.Errorf("at least one URL is required for source %s", c.Source)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return nil
}

// Fetcher polls one source's endpoints for current aircraft positions.
type Fetcher struct {
	cfg  *FetcherConfig
	next int
}

// NewFetcher creates a fetcher over the configured URLs.
func NewFetcher(cfg *FetcherConfig) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetcher config: %w", err)
	}
	cfg.Logger.Info("initialized fetcher", "source", cfg.Source, "urls", len(cfg.URLs))
	return &Fetcher{cfg: cfg}, nil
}

// Fetch polls the next URL in the cycle and parses its payload. Aircraft
// without a position are already filtered out by the parse.
func (f *Fetcher) Fetch(ctx context.Context) ([]RawPosition, error) {
	url := f.cfg.URLs[f.next%len(f.cfg.URLs)]
	f.next++

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error building request for %s: %w", url, err)
	}

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusForbidden:
		return nil, fmt.Errorf("%s returned %d: %w", url, resp.StatusCode, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading %s response: %w", url, err)
	}

	positions, err := ParsePayload(f.cfg.Source, body)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		positions[i].SourceURL = url
	}
	return positions, nil
}
