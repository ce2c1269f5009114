package token

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Refresher asks an external collaborator to produce a fresh token for a
// region. Implementations write new artifacts; the Manager re-reads them.
type Refresher interface {
	Refresh(ctx context.Context, region string) error
}

// NopRefresher only logs. Credentials are renewed out of band.
type NopRefresher struct {
	Log *zap.Logger
}

// Refresh implements Refresher.
func (n NopRefresher) Refresh(_ context.Context, region string) error {
	if n.Log != nil {
		n.Log.Warn("token refresh requested, no refresher configured", zap.String("region", region))
	}
	return nil
}

// WebhookRefresher calls POST {url}?region=<slug> and waits for a 2xx.
type WebhookRefresher struct {
	url    string
	client *http.Client
}

// NewWebhookRefresher creates a refresher for the given endpoint.
func NewWebhookRefresher(endpoint string) *WebhookRefresher {
	return &WebhookRefresher{url: endpoint, client: &http.Client{Timeout: 2 * time.Minute}}
}

// Refresh implements Refresher.
func (w *WebhookRefresher) Refresh(ctx context.Context, region string) error {
	u, err := url.Parse(w.url)
	if err != nil {
		return fmt.Errorf("refresh url: %w", err)
	}
	q := u.Query()
	q.Set("region", region)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", region, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("refresh %s: status %d", region, resp.StatusCode)
	}
	return nil
}
