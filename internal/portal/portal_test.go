package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func authHeaders() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer t")
	return h
}

func TestNormalizeEnvelopes(t *testing.T) {
	cases := map[string]string{
		"paged":  `{"pagedResults":[{"id":1,"status":"E0004"},{"id":"2"}],"totalCount":2}`,
		"items":  `{"items":[{"opportunityId":"1","Status":"E0004"},{"OpportunityId":2}]}`,
		"data":   `{"data":[{"opportunityID":"1","state":"E0004"},{"id":2}]}`,
		"nested": `{"data":{"pagedResults":[{"id":1,"status":"E0004"},{"id":2}]}}`,
		"bare":   `[{"id":1,"status":"E0004"},{"id":2}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			items, skipped, err := Normalize([]byte(body))
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if skipped != 0 || len(items) != 2 {
				t.Fatalf("items=%d skipped=%d", len(items), skipped)
			}
			if items[0].OpportunityID != "1" || items[0].Status != "E0004" {
				t.Errorf("first = %+v", items[0])
			}
			if items[1].OpportunityID != "2" || items[1].Status != "" {
				t.Errorf("second = %+v", items[1])
			}
		})
	}
}

func TestNormalizeSkipsMalformedItems(t *testing.T) {
	items, skipped, err := Normalize([]byte(`{"pagedResults":[{"id":"7"},"junk",{"name":"no id"},{"id":null}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || skipped != 3 {
		t.Fatalf("items=%v skipped=%d", items, skipped)
	}
	if _, _, err := Normalize([]byte(`<html>`)); err == nil {
		t.Error("expected error for non-JSON body")
	}
	items, _, err = Normalize([]byte(`{"pagedResults":null}`))
	if err != nil || len(items) != 0 {
		t.Errorf("null envelope = %v, %v", items, err)
	}
}

func TestSortNewestFirst(t *testing.T) {
	items, _, _ := Normalize([]byte(`[
		{"id":"old","dateCreated":"2024-05-01T10:00:00Z"},
		{"id":"none"},
		{"id":"new","dateCreated":"2024-05-01T10:00:05.123"},
		{"id":"mid","createdAt":"2024-05-01T10:00:02Z"}
	]`))
	SortNewestFirst(items)
	var got []string
	for _, it := range items {
		got = append(got, it.OpportunityID)
	}
	want := []string{"new", "mid", "old", "none"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestFeedPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/OpportunitySummary/Pending/Dealer" || r.URL.Query().Get("PageSize") != "25" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer t" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"pagedResults":[{"id":5}]}`))
	}))
	defer srv.Close()

	f := NewFeedClient(srv.Client())
	l, err := f.Pending(context.Background(), srv.URL+"/api/", authHeaders(), 25)
	if err != nil || len(l.Items) != 1 || l.Items[0].OpportunityID != "5" {
		t.Fatalf("pending = %+v, %v", l, err)
	}

	bad := http.Header{}
	bad.Set("Authorization", "Bearer wrong")
	if _, err := f.Pending(context.Background(), srv.URL+"/api", bad, 25); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if _, err := f.Pending(context.Background(), srv.URL+"/api", http.Header{}, 25); !errors.Is(err, ErrNoAuth) {
		t.Errorf("err = %v, want ErrNoAuth", err)
	}
	var se *StatusError
	if _, err := f.Pending(context.Background(), srv.URL+"/api", authHeaders(), 10); !errors.As(err, &se) || se.Status != 404 {
		t.Errorf("err = %v, want StatusError 404", err)
	}
}

// claimServer answers per path. A nil status drops the connection.
type claimServer struct {
	mu     sync.Mutex
	status map[string]int
	hits   []string
}

func (s *claimServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits = append(s.hits, r.URL.Path)
	code, ok := s.status[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
		return
	}
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (s *claimServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hits...)
}

func TestClaimFallsBackOnNetworkError(t *testing.T) {
	cs := &claimServer{status: map[string]int{"/api/opportunity/42/claim": 200}}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	c := NewClaimClient(srv.Client(), ClaimConfig{})
	st := &RegionState{}
	res, err := c.Claim(context.Background(), srv.URL+"/api", st, "42", authHeaders())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Status != 200 || res.Posts != 2 || res.URL != srv.URL+"/api/opportunity/42/claim" {
		t.Errorf("result = %+v", res)
	}
	if st.Memo() != "opportunity/{id}/claim" {
		t.Errorf("memo = %q", st.Memo())
	}

	// The memoised shape is tried first next time.
	if _, err := c.Claim(context.Background(), srv.URL+"/api", st, "42", authHeaders()); err != nil {
		t.Fatal(err)
	}
	hits := cs.paths()
	if hits[len(hits)-1] != "/api/opportunity/42/claim" || len(hits) != 3 {
		t.Errorf("hits = %v", hits)
	}
}

func TestClaimStopsOnHTTPStatus(t *testing.T) {
	cs := &claimServer{status: map[string]int{
		"/api/Opportunity/9/Claim": 404,
		"/api/opportunity/9/claim": 200,
	}}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	c := NewClaimClient(srv.Client(), ClaimConfig{})
	res, err := c.Claim(context.Background(), srv.URL+"/api", &RegionState{}, "9", authHeaders())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Status != 404 || res.Posts != 1 {
		t.Errorf("result = %+v", res)
	}
	if hits := cs.paths(); len(hits) != 1 {
		t.Errorf("second candidate tried: %v", hits)
	}
}

func TestClaimTruncatedBodyKeepsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	c := NewClaimClient(srv.Client(), ClaimConfig{})
	res, err := c.Claim(context.Background(), srv.URL, &RegionState{}, "3", authHeaders())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Status != http.StatusOK || res.Posts != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.BodyErr == nil {
		t.Fatal("short body not reported")
	}
	if !strings.HasPrefix(res.Body, "partial") || !strings.Contains(res.Body, "incomplete") {
		t.Errorf("body = %q", res.Body)
	}
}

func TestClaimAllCandidatesFail(t *testing.T) {
	srv := httptest.NewServer(&claimServer{status: map[string]int{}})
	defer srv.Close()

	c := NewClaimClient(srv.Client(), ClaimConfig{})
	res, err := c.Claim(context.Background(), srv.URL, &RegionState{}, "1", authHeaders())
	if err == nil {
		t.Fatal("expected network error")
	}
	if res.Posts != 2 || res.Status != 0 || res.Latency <= 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestClaimBackoffAfter429(t *testing.T) {
	cs := &claimServer{status: map[string]int{"/Opportunity/1/Claim": 429, "/Opportunity/2/Claim": 200}}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	c := NewClaimClient(srv.Client(), ClaimConfig{Backoff: time.Minute})
	c.now = func() time.Time { return now }
	st := &RegionState{}

	res, err := c.Claim(context.Background(), srv.URL, st, "1", authHeaders())
	if err != nil || !res.Throttled() {
		t.Fatalf("first = %+v, %v", res, err)
	}
	if _, err := c.Claim(context.Background(), srv.URL, st, "2", authHeaders()); !errors.Is(err, ErrBackoff) {
		t.Fatalf("err = %v, want ErrBackoff", err)
	}
	if hits := cs.paths(); len(hits) != 1 {
		t.Errorf("claim sent during backoff: %v", hits)
	}

	now = now.Add(time.Minute)
	res, err = c.Claim(context.Background(), srv.URL, st, "2", authHeaders())
	if err != nil || res.Status != 200 {
		t.Fatalf("after window = %+v, %v", res, err)
	}
}

func TestClaimRequiresAuth(t *testing.T) {
	c := NewClaimClient(http.DefaultClient, ClaimConfig{})
	if _, err := c.Claim(context.Background(), "http://unused", &RegionState{}, "1", http.Header{}); !errors.Is(err, ErrNoAuth) {
		t.Fatalf("err = %v, want ErrNoAuth", err)
	}
}

func TestOpportunityID(t *testing.T) {
	cases := map[string]string{
		`{"opportunityId":"77"}`:   "77",
		`{"OpportunityId":78}`:     "78",
		`{"opportunityID":" 79 "}`: "79",
		`80`:                       "80",
		`"81"`:                     "81",
		`{"name":"x"}`:             "",
		`null`:                     "",
		`[1]`:                      "",
	}
	for raw, want := range cases {
		if got := OpportunityID([]byte(raw)); got != want {
			t.Errorf("OpportunityID(%s) = %q, want %q", raw, got, want)
		}
	}
}
