// Package events keeps a push-channel subscription per region and feeds
// lead notifications into the claim pipeline. The channel is an ASP.NET
// SignalR hub spoken over a websocket with the JSON hub protocol.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/metrics"
	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/Hezlepinc/lead-ingestor/internal/portal"
	"github.com/Hezlepinc/lead-ingestor/internal/token"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Offerer consumes sightings.
type Offerer interface {
	Offer(ctx context.Context, d model.Detection) bool
}

// Config tunes a listener.
type Config struct {
	HubURL string
	// PingInterval is how often a keep-alive ping is sent.
	PingInterval time.Duration
	// ServerTimeout closes a connection that has been silent this long.
	ServerTimeout time.Duration
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
}

var errUnauthorized = errors.New("hub: unauthorized")

// Listener holds one region's hub subscription.
type Listener struct {
	region model.Region
	cfg    Config
	hubURL string
	http   *http.Client
	dialer *websocket.Dialer
	tokens token.Provider
	pipe   Offerer
	log    *zap.Logger

	connected atomic.Bool
}

// New creates a listener. The region's dealer id, when set, is appended to
// the hub URL as crmDealerId.
func New(region model.Region, cfg Config, httpClient *http.Client, tokens token.Provider, pipe Offerer, log *zap.Logger) *Listener {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.ServerTimeout <= 0 {
		cfg.ServerTimeout = 2 * cfg.PingInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Listener{
		region: region,
		cfg:    cfg,
		hubURL: withDealer(cfg.HubURL, region.DealerID),
		http:   httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		tokens: tokens,
		pipe:   pipe,
		log:    log.With(zap.String("region", region.Slug), zap.String("component", "hub")),
	}
}

// Connected reports whether the hub handshake has completed on the
// current connection.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Run connects and reconnects until ctx is cancelled. Connection loss is
// never fatal; the delay between attempts doubles up to MaxBackoff and
// resets after a session that completed its handshake.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.cfg.MinBackoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.HubReconnectsTotal.WithLabelValues(l.region.Slug).Inc()
			l.log.Info("hub reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
		}

		handshaken, err := l.session(ctx)
		l.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, errUnauthorized):
			l.log.Warn("hub rejected token")
			l.tokens.MarkBad(ctx, l.region.Slug)
		case errors.Is(err, token.ErrNoCredentials):
			l.log.Warn("hub waiting for credentials")
		case err != nil:
			l.log.Warn("hub connection closed", zap.Error(err))
		default:
			l.log.Info("hub connection closed")
		}

		if handshaken {
			delay = l.cfg.MinBackoff
		} else {
			delay = min(delay*2, l.cfg.MaxBackoff)
		}
	}
}

// session runs one connection from negotiate to close and reports whether
// the handshake completed.
func (l *Listener) session(ctx context.Context) (bool, error) {
	creds, err := l.tokens.Current(ctx, l.region.Slug)
	if err != nil {
		return false, err
	}

	wsURL, accessToken, err := l.negotiate(ctx, creds)
	if err != nil {
		return false, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	conn, resp, err := l.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.StatusCode == http.StatusUnauthorized {
		return false, errUnauthorized
	}
	if err != nil {
		return false, fmt.Errorf("hub dial: %w", err)
	}
	defer conn.Close()

	rest, err := handshake(conn, l.cfg.ServerTimeout)
	if err != nil {
		return false, err
	}
	l.connected.Store(true)
	l.log.Info("hub connected")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(sctx, conn, &wmu)
	}()
	// Unblock the read loop on shutdown.
	go func() {
		<-sctx.Done()
		wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		wmu.Unlock()
		_ = conn.Close()
	}()

	err = l.readLoop(sctx, conn, rest)
	cancel()
	wg.Wait()
	return true, err
}

type negotiateResponse struct {
	ConnectionID     string `json:"connectionId"`
	ConnectionToken  string `json:"connectionToken"`
	NegotiateVersion int    `json:"negotiateVersion"`
	URL              string `json:"url"`
	AccessToken      string `json:"accessToken"`
	Error            string `json:"error"`
}

// negotiate resolves the websocket URL. A redirect answer (url +
// accessToken) is followed once.
func (l *Listener) negotiate(ctx context.Context, creds token.Credentials) (string, string, error) {
	hub := l.hubURL
	accessToken := creds.JWT
	for redirects := 0; ; redirects++ {
		nr, err := l.postNegotiate(ctx, hub, accessToken)
		if err != nil {
			return "", "", err
		}
		if nr.URL != "" && redirects == 0 {
			hub = nr.URL
			if nr.AccessToken != "" {
				accessToken = nr.AccessToken
			}
			continue
		}

		id := nr.ConnectionToken
		if id == "" {
			id = nr.ConnectionID
		}
		wsURL, err := websocketURL(hub, id, accessToken)
		if err != nil {
			return "", "", err
		}
		return wsURL, accessToken, nil
	}
}

func (l *Listener) postNegotiate(ctx context.Context, hub, accessToken string) (negotiateResponse, error) {
	u, err := url.Parse(hub)
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("hub url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), http.NoBody)
	if err != nil {
		return negotiateResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := l.http.Do(req)
	if err != nil {
		return negotiateResponse{}, fmt.Errorf("hub negotiate: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusUnauthorized {
		return negotiateResponse{}, errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return negotiateResponse{}, fmt.Errorf("hub negotiate: status %d", resp.StatusCode)
	}
	var nr negotiateResponse
	if err := json.Unmarshal(body, &nr); err != nil {
		return negotiateResponse{}, fmt.Errorf("hub negotiate: decode: %w", err)
	}
	if nr.Error != "" {
		return negotiateResponse{}, fmt.Errorf("hub negotiate: %s", nr.Error)
	}
	return nr, nil
}

func (l *Listener) keepAlive(ctx context.Context, conn *websocket.Conn, wmu *sync.Mutex) {
	t := time.NewTicker(l.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			wmu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteMessage(websocket.TextMessage, pingFrame)
			wmu.Unlock()
			if err != nil {
				l.log.Warn("hub ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn, data []byte) error {
	for {
		for _, m := range decodeFrames(data) {
			switch m.kind {
			case kindInvocation:
				l.dispatch(ctx, m)
			case kindClose:
				if m.err != "" {
					return fmt.Errorf("hub closed by server: %s", m.err)
				}
				return nil
			}
		}

		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ServerTimeout))
		var err error
		_, data, err = conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("hub read: %w", err)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, m message) {
	if !isLeadTarget(m.target) {
		l.log.Debug("hub message ignored", zap.String("target", m.target))
		return
	}
	id := ""
	var payload json.RawMessage
	if len(m.args) > 0 {
		payload = m.args[0]
		id = portal.OpportunityID(payload)
	}
	if id == "" {
		l.log.Warn("hub lead event without opportunity id", zap.String("target", m.target))
		return
	}

	dispatched := l.pipe.Offer(ctx, model.Detection{
		OpportunityID: id,
		Via:           model.ViaEvent,
		RawPayload:    payload,
		SeenAt:        time.Now(),
	})
	l.log.Info("hub lead event",
		zap.String("target", m.target),
		zap.String("opportunity_id", id),
		zap.Bool("dispatched", dispatched),
	)
}

// withDealer appends crmDealerId unless the URL already carries one.
func withDealer(hub, dealerID string) string {
	if hub == "" || dealerID == "" || strings.Contains(hub, "crmDealerId=") {
		return hub
	}
	sep := "?"
	if strings.Contains(hub, "?") {
		sep = "&"
	}
	return hub + sep + "crmDealerId=" + url.QueryEscape(dealerID)
}

func websocketURL(hub, id, accessToken string) (string, error) {
	u, err := url.Parse(hub)
	if err != nil {
		return "", fmt.Errorf("hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	if id != "" {
		q.Set("id", id)
	}
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
