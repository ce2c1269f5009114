package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/Hezlepinc/lead-ingestor/internal/token"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type fakeTokens struct {
	marked chan struct{}
}

func (f *fakeTokens) Current(context.Context, string) (token.Credentials, error) {
	return token.Credentials{JWT: "jwt-1"}, nil
}

func (f *fakeTokens) MarkBad(context.Context, string) {
	select {
	case f.marked <- struct{}{}:
	default:
	}
}

type offers chan model.Detection

func (o offers) Offer(_ context.Context, d model.Detection) bool {
	o <- d
	return true
}

// testHub is an in-process hub. script runs after the handshake of
// session n (starting at 1).
type testHub struct {
	t               *testing.T
	sessions        atomic.Int32
	script          func(n int32, conn *websocket.Conn)
	negotiateStatus int
}

func (h *testHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/hub/negotiate":
		if r.Method != http.MethodPost || r.URL.Query().Get("negotiateVersion") != "1" {
			h.t.Errorf("negotiate request %s %s", r.Method, r.URL)
		}
		if r.URL.Query().Get("crmDealerId") != "42" {
			h.t.Errorf("negotiate missing dealer id: %s", r.URL)
		}
		if h.negotiateStatus != 0 {
			w.WriteHeader(h.negotiateStatus)
			return
		}
		if r.Header.Get("Authorization") != "Bearer jwt-1" {
			h.t.Errorf("negotiate auth = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"connectionId":     "c",
			"connectionToken":  "tok",
			"negotiateVersion": 1,
		})
	case "/hub":
		q := r.URL.Query()
		if q.Get("id") != "tok" || q.Get("access_token") != "jwt-1" || q.Get("crmDealerId") != "42" {
			h.t.Errorf("websocket query = %s", r.URL.RawQuery)
		}
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			h.t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil || string(msg) != string(handshakeFrame) {
			h.t.Errorf("handshake = %q, %v", msg, err)
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{}\x1e"))
		h.script(h.sessions.Add(1), conn)
	default:
		http.NotFound(w, r)
	}
}

func newListener(t *testing.T, h *testHub, tokens *fakeTokens, pipe Offerer) *Listener {
	t.Helper()
	h.t = t
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	region := model.NewRegion("Central", "", "42")
	return New(region, Config{
		HubURL:       srv.URL + "/hub",
		PingInterval: 20 * time.Millisecond,
		MinBackoff:   10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
	}, srv.Client(), tokens, pipe, zap.NewNop())
}

func drain(conn *websocket.Conn, frames chan<- string) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if frames != nil {
			select {
			case frames <- string(msg):
			default:
			}
		}
	}
}

func receive(t *testing.T, ch offers) model.Detection {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no detection offered")
		return model.Detection{}
	}
}

func TestListenerDispatchesLeadEventsAndReconnects(t *testing.T) {
	frames := make(chan string, 16)
	h := &testHub{script: func(n int32, conn *websocket.Conn) {
		switch n {
		case 1:
			_ = conn.WriteMessage(websocket.TextMessage, []byte(
				`{"type":1,"target":"SomethingElse","arguments":[{"opportunityId":1}]}`+"\x1e"+
					`{"type":1,"target":"newleadfordealer","arguments":[{"OpportunityId":123}]}`+"\x1e"+
					`{"type":6}`+"\x1e"))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":7}`+"\x1e"))
			drain(conn, nil)
		default:
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":1,"target":"LeadAvailable","arguments":["456"]}`+"\x1e"))
			drain(conn, frames)
		}
	}}
	ch := make(offers, 8)
	l := newListener(t, h, &fakeTokens{marked: make(chan struct{}, 1)}, ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	d := receive(t, ch)
	if d.OpportunityID != "123" || d.Via != model.ViaEvent {
		t.Fatalf("first detection = %+v", d)
	}
	d = receive(t, ch)
	if d.OpportunityID != "456" {
		t.Fatalf("detection after reconnect = %+v", d)
	}
	if !l.Connected() {
		t.Error("listener should report connected")
	}
	select {
	case d := <-ch:
		t.Errorf("unexpected detection %+v", d)
	default:
	}

	select {
	case f := <-frames:
		if f != string(pingFrame) {
			t.Errorf("keep-alive frame = %q", f)
		}
	case <-time.After(5 * time.Second):
		t.Error("no keep-alive ping")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if h.sessions.Load() < 2 {
		t.Errorf("sessions = %d, want a reconnect", h.sessions.Load())
	}
}

func TestListenerNegotiateUnauthorizedMarksTokenBad(t *testing.T) {
	h := &testHub{negotiateStatus: http.StatusUnauthorized}
	tokens := &fakeTokens{marked: make(chan struct{}, 1)}
	l := newListener(t, h, tokens, make(offers, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	select {
	case <-tokens.marked:
	case <-time.After(5 * time.Second):
		t.Fatal("token not marked bad")
	}
}

func TestDecodeFrames(t *testing.T) {
	data := []byte(`{"type":1,"target":"OpportunityCreated","arguments":[{"id":5}]}` + "\x1e" +
		`not json` + "\x1e" +
		`{"M":"HasAvailableLead","A":[{"opportunityID":"6"}]}` + "\x1e" +
		`{"type":3,"invocationId":"1"}` + "\x1e" +
		`{"type":7,"error":"server shutting down"}` + "\x1e")
	msgs := decodeFrames(data)
	if len(msgs) != 3 {
		t.Fatalf("frames = %d, want 3", len(msgs))
	}
	if msgs[0].kind != kindInvocation || msgs[0].target != "OpportunityCreated" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].kind != kindInvocation || msgs[1].target != "HasAvailableLead" || len(msgs[1].args) != 1 {
		t.Errorf("legacy = %+v", msgs[1])
	}
	if msgs[2].kind != kindClose || msgs[2].err != "server shutting down" {
		t.Errorf("close = %+v", msgs[2])
	}
}

func TestIsLeadTarget(t *testing.T) {
	for _, target := range []string{"NewLeadForDealer", "hasavailablelead", "OPPORTUNITYAVAILABLE"} {
		if !isLeadTarget(target) {
			t.Errorf("%s should be a lead target", target)
		}
	}
	if isLeadTarget("OpportunityChanged") {
		t.Error("OpportunityChanged is not a lead announcement")
	}
}

func TestHubURLs(t *testing.T) {
	if got := withDealer("https://h/hubs/leads", "42"); got != "https://h/hubs/leads?crmDealerId=42" {
		t.Errorf("withDealer = %s", got)
	}
	if got := withDealer("https://h/hubs/leads?x=1", "42"); got != "https://h/hubs/leads?x=1&crmDealerId=42" {
		t.Errorf("withDealer = %s", got)
	}
	if got := withDealer("https://h/hubs/leads?crmDealerId=7", "42"); !strings.HasSuffix(got, "crmDealerId=7") {
		t.Errorf("withDealer overrode existing id: %s", got)
	}

	ws, err := websocketURL("https://h/hubs/leads?crmDealerId=42", "tok", "jwt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ws, "wss://h/hubs/leads?") ||
		!strings.Contains(ws, "id=tok") || !strings.Contains(ws, "access_token=jwt") {
		t.Errorf("websocketURL = %s", ws)
	}
}
