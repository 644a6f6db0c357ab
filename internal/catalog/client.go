package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/models"
)

// Searcher is the catalog boundary the recommendation engine depends on.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]models.QueueItem, error)
}

// Client talks to the external track catalog. Results come back in
// provider-ranked relevance order; nothing beyond that is guaranteed.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type trackResponse struct {
	Tracks []providerTrack `json:"tracks"`
}

type providerTrack struct {
	ID         string              `json:"id"`
	Title      string              `json:"title"`
	Artists    []string            `json:"artists"`
	Album      string              `json:"album"`
	DurationMs int64               `json:"durationMs"`
	Thumbnails []providerThumbnail `json:"thumbnails"`
	IsExplicit bool                `json:"isExplicit"`
}

type providerThumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]models.QueueItem, error) {
	params := url.Values{}
	params.Add("q", query)
	params.Add("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Upstream("catalog search failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Upstream("catalog search failed with status %d", resp.StatusCode)
	}

	var searchResp trackResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, apperr.Upstream("catalog search returned malformed payload: %v", err)
	}

	tracks := make([]models.QueueItem, 0, len(searchResp.Tracks))
	for _, raw := range searchResp.Tracks {
		if raw.ID == "" {
			continue
		}
		tracks = append(tracks, normalizeTrack(raw))
	}
	return tracks, nil
}

func normalizeTrack(raw providerTrack) models.QueueItem {
	artist := "Unknown Artist"
	if len(raw.Artists) > 0 {
		artist = raw.Artists[0]
		for _, a := range raw.Artists[1:] {
			artist += ", " + a
		}
	}

	title := raw.Title
	if title == "" {
		title = "Unknown Title"
	}

	return models.QueueItem{
		TrackID:      raw.ID,
		Title:        title,
		Artist:       artist,
		Album:        raw.Album,
		DurationMs:   raw.DurationMs,
		ThumbnailURL: pickThumbnail(raw.Thumbnails),
		IsExplicit:   raw.IsExplicit,
		Origin:       models.OriginUser,
	}
}

// pickThumbnail takes the largest available rendition.
func pickThumbnail(thumbnails []providerThumbnail) string {
	best := ""
	bestWidth := -1
	for _, t := range thumbnails {
		if t.URL != "" && t.Width > bestWidth {
			best = t.URL
			bestWidth = t.Width
		}
	}
	return best
}
