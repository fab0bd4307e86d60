package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Client represents a client for a running dirnotify HTTP server.
type Client struct {
	// Server endpoint
	URL string

	// Underlying HTTP client
	HTTPClient *http.Client
}

// NewClient returns an instance of Client.
func NewClient(rawurl string) *Client {
	return &Client{
		URL:        rawurl,
		HTTPClient: http.DefaultClient,
	}
}

// Watches returns the paths watched by the server's monitor.
func (c *Client) Watches(ctx context.Context) (*WatchesResponse, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid client URL: %w", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme")
	} else if u.Host == "" {
		return nil, fmt.Errorf("URL host required")
	}

	// Strip off everything but the scheme & host.
	*u = url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   "/watches",
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invalid response: code=%d", resp.StatusCode)
	}

	var body WatchesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode watches: %w", err)
	}
	return &body, nil
}
