// Package portal speaks to the upstream lead portal: the pending
// opportunities listing and the claim endpoint.
package portal

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is returned when upstream answers 401.
	ErrUnauthorized = errors.New("portal: unauthorized")
	// ErrNoAuth is returned when a call is attempted without a bearer token.
	ErrNoAuth = errors.New("portal: no auth headers")
	// ErrBackoff is returned when the region is inside its throttling
	// cool-down. Nothing was sent.
	ErrBackoff = errors.New("portal: region in claim backoff")
)

// StatusError is a non-2xx listing response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal: status %d", e.Status)
}

const maxBody = 64 << 10

// NewHTTPClient returns a keep-alive client shared by all regions. Request
// deadlines come from the caller's context.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   2 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 2 * time.Second,
		},
	}
}

func hasAuth(h http.Header) bool {
	return strings.TrimSpace(strings.TrimPrefix(h.Get("Authorization"), "Bearer")) != ""
}

func joinURL(root, path string) string {
	return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(path, "/")
}
