package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
)

const pendingPath = "OpportunitySummary/Pending/Dealer"

// FeedClient fetches the pending opportunities listing.
type FeedClient struct {
	http *http.Client
}

// NewFeedClient creates a feed client.
func NewFeedClient(c *http.Client) *FeedClient {
	return &FeedClient{http: c}
}

// Listing is one normalised fetch.
type Listing struct {
	Items   []model.FeedItem
	Skipped int
}

// Pending GETs the listing for apiRoot. A 401 yields ErrUnauthorized, any
// other non-2xx a *StatusError.
func (f *FeedClient) Pending(ctx context.Context, apiRoot string, headers http.Header, pageSize int) (Listing, error) {
	if !hasAuth(headers) {
		return Listing{}, ErrNoAuth
	}
	url := joinURL(apiRoot, pendingPath) + "?PageSize=" + strconv.Itoa(pageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Listing{}, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.http.Do(req)
	if err != nil {
		return Listing{}, fmt.Errorf("fetch listing: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*maxBody))
	if err != nil {
		return Listing{}, fmt.Errorf("read listing: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Listing{}, ErrUnauthorized
	case resp.StatusCode/100 != 2:
		return Listing{}, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	items, skipped, err := Normalize(body)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Items: items, Skipped: skipped}, nil
}
