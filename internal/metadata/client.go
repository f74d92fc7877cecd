// Package metadata looks up track metadata from a remote catalogue service
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/berrythewa/meshplay/internal/types"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single lookup
const DefaultTimeout = 10 * time.Second

// ErrNotFound is returned when the service does not know a track id
var ErrNotFound = errors.New("track not found in catalogue")

// Client fetches track metadata over HTTP
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the service at baseURL
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "metadata")),
	}
}

// trackResponse is the catalogue's representation of a track
type trackResponse struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	DurationMs int64  `json:"duration_ms"`
	Artwork    string `json:"artwork_url"`
}

// Lookup returns metadata for a track id
func (c *Client) Lookup(ctx context.Context, id string) (*types.Track, error) {
	endpoint := fmt.Sprintf("%s/tracks/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lookup failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr trackResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode lookup response: %w", err)
	}
	if tr.ID == "" {
		tr.ID = id
	}
	if tr.ID != id {
		return nil, fmt.Errorf("lookup returned track %s for %s", tr.ID, id)
	}

	c.logger.Debug("Resolved track", zap.String("id", id), zap.String("title", tr.Title))
	return &types.Track{
		ID:           tr.ID,
		Title:        tr.Title,
		Artist:       tr.Artist,
		Album:        tr.Album,
		DurationMs:   tr.DurationMs,
		ThumbnailURL: tr.Artwork,
	}, nil
}
