package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"unisale/cmd/internal/chat"
	"unisale/cmd/internal/marketplace"
	"unisale/cmd/internal/session"
	v1 "unisale/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const testEmailHeader = "X-Auth-Email"

type fakeProfiles struct {
	mu   sync.Mutex
	byEm map[string]marketplace.Profile
}

func newFakeProfiles(profiles ...marketplace.Profile) *fakeProfiles {
	f := &fakeProfiles{byEm: make(map[string]marketplace.Profile)}
	for _, p := range profiles {
		f.byEm[p.Email] = p
	}
	return f
}

func (f *fakeProfiles) ResolveProfile(_ context.Context, email string) (marketplace.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byEm[email]
	if !ok {
		return marketplace.Profile{}, marketplace.ErrNotFound
	}
	return p, nil
}

type fakeProducts map[chat.ProductID]chat.Product

func (f fakeProducts) GetProduct(_ context.Context, id chat.ProductID) (chat.Product, error) {
	p, ok := f[id]
	if !ok {
		return chat.Product{}, errors.New("catalog: no such product")
	}
	return p, nil
}

type testEnv struct {
	store *chat.InMemoryStore
	svc   *chat.Service
	gw    *WSGateway
	srv   *httptest.Server
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGatewayConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func newTestEnv(t *testing.T, cfg GatewayConfig, products fakeProducts, profiles ...marketplace.Profile) *testEnv {
	t.Helper()

	log := testLogger()
	store := chat.NewInMemoryStore()
	svc := chat.NewService(log, store, products, chat.ServiceConfig{})
	gw := NewWSGateway(log, svc, session.NewHeaderProvider(testEmailHeader), newFakeProfiles(profiles...), NewHub(log), cfg)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{store: store, svc: svc, gw: gw, srv: srv}
}

func dialWS(t *testing.T, baseHTTPURL, origin, email string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(email) != "" {
		h.Set(testEmailHeader, email)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, env *testEnv, email string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, env.srv.URL, "", email)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", email, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC()}
	if payload != nil {
		env.Payload = mustJSONRaw(t, payload)
	}
	writeRawWS(t, conn, mustJSONRaw(t, env))
}

func writeRawWS(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

// readUntil reads frames until match accepts one, failing after maxReads frames.
func readUntil(t *testing.T, conn *websocket.Conn, maxReads int, match func(v1.Envelope) bool) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		env := readEnvelopeWS(t, conn)
		if match(env) {
			return env
		}
	}
	t.Fatalf("no matching envelope in %d reads", maxReads)
	return v1.Envelope{}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	return readUntil(t, conn, maxReads, func(env v1.Envelope) bool { return env.Type == typ })
}

func decodeWS[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func messageTexts(msgs []v1.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}
