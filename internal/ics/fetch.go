package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

// DefaultTimeout bounds a single feed request.
const DefaultTimeout = 30 * time.Second

// maxFeedSize caps how much of a feed is read into memory.
const maxFeedSize = 10 << 20

// Fetcher downloads published interchange feeds.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher. A nil client gets one with DefaultTimeout.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Fetcher{client: client}
}

// Fetch returns the body of the feed at rawURL. webcal:// links are fetched
// over https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	const op = "fetch feed"
	if rawURL == "" {
		return nil, model.NewError(model.ErrConfiguration, op, errors.New("feed URL is empty"))
	}
	if rest, ok := strings.CutPrefix(rawURL, "webcal://"); ok {
		rawURL = "https://" + rest
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.NewError(model.ErrConfiguration, op, err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	log.Printf("Fetching calendar feed %s", redactURL(rawURL))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, model.NewError(model.ErrNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewError(model.ErrNetwork, op, fmt.Errorf("HTTP %d from %s", resp.StatusCode, redactURL(rawURL)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, model.NewError(model.ErrNetwork, op, fmt.Errorf("failed to read response: %w", err))
	}
	return body, nil
}

// redactURL keeps scheme and host only; feed paths often embed secrets.
func redactURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "(redacted)"
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host + "/...(redacted)"
}
