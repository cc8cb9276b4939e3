// Package followgraph fetches a user's current follow list from the
// public AT Protocol API, used only by the main stream's follow-sync
// bootstrap step (spec §4.E) to reconcile the persisted follow set against
// reality on start.
package followgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// maxPages caps pagination at ~10,000 follows per user (100 entries/page).
const maxPages = 100

const pageLimit = 100

// Client fetches app.bsky.graph.getFollows against a configured public API
// host.
type Client struct {
	httpClient *http.Client
	apiHost    string
}

// New creates a follow-graph Client.
func New(apiHost string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiHost:    apiHost,
	}
}

// Follow is a single entry in a getFollows response.
type Follow struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type getFollowsResponse struct {
	Follows []Follow `json:"follows"`
	Cursor  string   `json:"cursor,omitempty"`
}

// GetFollows fetches the full (paginated, capped) follow list for actor.
// On a mid-pagination failure, it logs nothing itself — it returns the
// pages it has successfully retrieved so far along with the error, and
// callers (the bootstrap step) treat that as "log and continue, non-fatal".
func (c *Client) GetFollows(ctx context.Context, actor string) ([]Follow, error) {
	var all []Follow
	cursor := ""

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("actor", actor)
		q.Set("limit", fmt.Sprintf("%d", pageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		reqURL := fmt.Sprintf("https://%s/xrpc/app.bsky.graph.getFollows?%s", c.apiHost, q.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return all, fmt.Errorf("create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return all, fmt.Errorf("get follows (page %d): %w", page, err)
		}

		var parsed getFollowsResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return all, fmt.Errorf("get follows (page %d): unexpected status %d", page, resp.StatusCode)
		}
		if decodeErr != nil {
			return all, fmt.Errorf("decode follows (page %d): %w", page, decodeErr)
		}

		all = append(all, parsed.Follows...)

		if parsed.Cursor == "" {
			break
		}
		cursor = parsed.Cursor
	}

	return all, nil
}
