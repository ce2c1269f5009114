package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultClaimShapes are the known claim URL shapes relative to the API
// root, in canonical order.
var DefaultClaimShapes = []string{"Opportunity/{id}/Claim", "opportunity/{id}/claim"}

// RegionState is the per-region claim state: the shape that last answered
// and the throttling cool-down.
type RegionState struct {
	mu           sync.Mutex
	memo         string
	backoffUntil time.Time
}

// Memo returns the shape that last reached a routed endpoint.
func (s *RegionState) Memo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memo
}

// BackoffUntil returns the end of the current cool-down, zero if none.
func (s *RegionState) BackoffUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffUntil
}

// InBackoff reports whether claims are suppressed at now.
func (s *RegionState) InBackoff(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.backoffUntil)
}

func (s *RegionState) setMemo(shape string) {
	s.mu.Lock()
	s.memo = shape
	s.mu.Unlock()
}

func (s *RegionState) trip(until time.Time) {
	s.mu.Lock()
	if until.After(s.backoffUntil) {
		s.backoffUntil = until
	}
	s.mu.Unlock()
}

// Result is what a claim call observed. Status is zero when no candidate
// produced an HTTP response.
type Result struct {
	Status  int
	Latency time.Duration
	Body    string
	URL     string
	Posts   int
	// BodyErr is set when the response body could not be read in full.
	// Body then holds what arrived, marked as incomplete.
	BodyErr error
}

// Throttled reports a 429 answer.
func (r Result) Throttled() bool { return r.Status == http.StatusTooManyRequests }

// ClaimConfig tunes the claim client.
type ClaimConfig struct {
	Shapes  []string
	Timeout time.Duration
	Backoff time.Duration
}

// ClaimClient POSTs claims, trying URL shapes in order.
type ClaimClient struct {
	http    *http.Client
	shapes  []string
	timeout time.Duration
	backoff time.Duration
	now     func() time.Time
}

// NewClaimClient creates a claim client.
func NewClaimClient(c *http.Client, cfg ClaimConfig) *ClaimClient {
	if len(cfg.Shapes) == 0 {
		cfg.Shapes = DefaultClaimShapes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1500 * time.Millisecond
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Minute
	}
	return &ClaimClient{http: c, shapes: cfg.Shapes, timeout: cfg.Timeout, backoff: cfg.Backoff, now: time.Now}
}

// Claim POSTs an empty body to each candidate URL until one answers with
// any HTTP status. Only transport failures move on to the next candidate.
// The returned error is non-nil only when no candidate answered; Result
// still carries latency and the POST count in that case.
func (c *ClaimClient) Claim(ctx context.Context, apiRoot string, state *RegionState, opportunityID string, headers http.Header) (Result, error) {
	if !hasAuth(headers) {
		return Result{}, ErrNoAuth
	}
	if state.InBackoff(c.now()) {
		return Result{}, ErrBackoff
	}

	var (
		res     Result
		lastErr error
	)
	start := time.Now()
	for _, shape := range c.candidates(state.Memo()) {
		url := joinURL(apiRoot, strings.ReplaceAll(shape, "{id}", opportunityID))
		res.URL = url
		res.Posts++

		rep, err := c.post(ctx, url, headers)
		res.Latency = time.Since(start)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		res.Status = rep.status
		res.Body = rep.body
		if rep.bodyErr != nil {
			res.BodyErr = rep.bodyErr
			res.Body += " [incomplete: " + rep.bodyErr.Error() + "]"
		}
		if routed(rep.status) {
			state.setMemo(shape)
		}
		if res.Throttled() {
			state.trip(c.now().Add(c.backoff))
		}
		return res, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no claim candidates")
	}
	return res, fmt.Errorf("claim %s: %w", opportunityID, lastErr)
}

// routed reports whether a status shows the URL shape exists upstream.
func routed(status int) bool {
	return status != http.StatusNotFound && status != http.StatusMethodNotAllowed
}

func (c *ClaimClient) candidates(memo string) []string {
	out := make([]string, 0, len(c.shapes)+1)
	if memo != "" {
		out = append(out, memo)
	}
	for _, s := range c.shapes {
		if s != memo {
			out = append(out, s)
		}
	}
	return out
}

// reply is one answered POST. bodyErr does not void the status.
type reply struct {
	status  int
	body    string
	bodyErr error
}

func (c *ClaimClient) post(ctx context.Context, url string, headers http.Header) (reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return reply{}, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return reply{}, err
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	return reply{status: resp.StatusCode, body: string(body), bodyErr: readErr}, nil
}
