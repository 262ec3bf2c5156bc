package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"unisale/cmd/internal/chat"
	"unisale/cmd/internal/metrics"
	"unisale/cmd/internal/session"
	v1 "unisale/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// WSGateway is the WebSocket entrypoint for Unisale realtime chat.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the chat Service.
type WSGateway struct {
	log      *slog.Logger
	svc      *chat.Service
	provider session.Provider
	resolver session.ProfileResolver
	hub      *Hub

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. provider authenticates the upgrade request and resolver
// turns the identity into a marketplace actor. A nil hub gets a private one.
func NewWSGateway(log *slog.Logger, svc *chat.Service, provider session.Provider, resolver session.ProfileResolver, hub *Hub, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if provider == nil {
		provider = session.NewHeaderProvider("")
	}

	cfg = cfg.normalized()

	return &WSGateway{
		log:      log,
		svc:      svc,
		provider: provider,
		resolver: resolver,
		hub:      hub,
		cfg:      cfg,

		// websocket.Accept enforces its own origin policy (same-host ok, cross-origin requires
		// OriginPatterns). Deriving patterns from the allow-list keeps the two layers in agreement.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// Hub returns the connection registry.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	identity, err := g.provider.Identify(r)
	if err != nil {
		g.log.Info("ws.reject.unauthenticated", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Profile resolution happens after the upgrade so the client learns why it was refused.
	openCtx, openCancel := context.WithTimeout(ctx, g.cfg.SessionOpenTimeout)
	sess, err := session.Open(openCtx, g.log, identity, g.resolver)
	openCancel()
	if err != nil {
		g.log.Info("ws.reject.session", "err", err)
		if env, encErr := errorEnvelope(err, ""); encErr == nil {
			_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "reauthenticate")
		return
	}

	client := NewClient(sess.Actor, sess.ID, g.cfg.SendQueueSize)
	g.hub.Register(client)
	defer g.hub.Unregister(client.SessionID)

	c := &connection{
		g:      g,
		ctx:    ctx,
		client: client,
		rooms:  make(map[string]*chat.Subscription),
	}
	defer c.teardown()

	var closeOnce sync.Once

	// shutdown is idempotent. The outbox stays open: subscription callbacks may still be
	// offering frames and rely on client.Done to back off.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed from outside (hub drain) or by shutdown; either way the socket goes.
				shutdown(websocket.StatusGoingAway, "server closing")
				return
			case env := <-client.Outbox():
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				c.sendCode(v1.CodeBadJSON, "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			// Written inline: shutdown stops the writer before a queued frame would drain.
			if env, encErr := codeEnvelope(v1.CodeRateLimited, "too many events", ""); encErr == nil {
				_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
			}
			g.log.Info("ws.rate_limited", "session_id", client.SessionID, "actor_id", int64(client.Actor.ID))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			c.sendCode(v1.CodeBadEnvelope, err.Error(), "")
			continue readLoop
		}

		c.dispatch(env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// enqueue never blocks. A full queue drops the frame: message and conversation lists are full
// snapshots superseded by the next update, and a lost ack is recovered by resending with the
// same client_msg_id.
func (g *WSGateway) enqueue(client *Client, env v1.Envelope) bool {
	if client.Offer(env) {
		return true
	}
	select {
	case <-client.Done():
	default:
		metrics.WSFramesDropped.Inc()
		g.log.Warn("ws.frame.dropped", "session_id", client.SessionID, "type", env.Type, "dropped", client.Dropped())
	}
	return false
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			// Host match ignores port and scheme.
			return nil
		}
	}

	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted host patterns websocket.Accept
// matches the origin host against. A "*" entry allows every host.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "*" {
			return []string{"*"}
		}
		if h == "" {
			continue
		}
		// Accept matches against the origin's host:port.
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
