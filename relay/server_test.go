package relay

import (
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cakson/tg-ws-relay/util"
)

func TestHealthEndpoint(t *testing.T) {
	_, relay := newRelayServer(t, relayConfig())

	resp, err := http.Get(relay.URL + HealthPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", body)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	_, relay := newRelayServer(t, relayConfig())

	for _, path := range []string{"/", "/health", "/wss", "/favicon.ico"} {
		resp, err := http.Get(relay.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, relay := newRelayServer(t, relayConfig())

	resp, err := http.Get(relay.URL + MetricsPath)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

// dialRelayRaw upgrades against the relay without forcing an upstream query
// parameter, for exercising the gate's rejection paths.
func dialRelayRaw(t *testing.T, relayURL, rawQuery string, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := util.MakeWsURL(relayURL) + UpgradePath
	if rawQuery != "" {
		wsURL += "?" + rawQuery
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRejectMissingUpstream(t *testing.T) {
	_, relay := newRelayServer(t, relayConfig())

	conn := dialRelayRaw(t, relay.URL, "", nil)
	expectClose(t, conn, CloseInvalidUpstreamURL)
}

func TestRejectInvalidScheme(t *testing.T) {
	_, relay := newRelayServer(t, relayConfig())

	conn := dialRelayRaw(t, relay.URL, "upstream="+url.QueryEscape("https://127.0.0.1/apiws"), nil)
	expectClose(t, conn, CloseInvalidScheme)
}

// With zero configured host patterns every connection is rejected,
// regardless of target host.
func TestRejectFailClosedAllowlist(t *testing.T) {
	cfg := relayConfig()
	cfg.UpstreamHosts = nil
	_, relay := newRelayServer(t, cfg)

	conn := dialRelayRaw(t, relay.URL, "upstream="+url.QueryEscape("wss://venus.web.telegram.org/apiws"), nil)
	expectClose(t, conn, CloseHostNotAllowed)
}

// A disallowed origin is closed with 4000 and the upstream is never dialed.
func TestRejectOriginNoUpstreamAttempt(t *testing.T) {
	var dials int32
	upstream := startUpstream(t, 0, func(conn *websocket.Conn) {
		atomic.AddInt32(&dials, 1)
		_ = conn.Close()
	})
	cfg := relayConfig()
	cfg.OriginWhitelist = []string{"https://web.telegram.org"}
	_, relay := newRelayServer(t, cfg)

	header := http.Header{"Origin": []string{"https://evil.com"}}
	conn := dialRelayRaw(t, relay.URL, "upstream="+url.QueryEscape(util.MakeWsURL(upstream.URL)), header)
	expectClose(t, conn, CloseOriginNotAllowed)

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&dials); n != 0 {
		t.Fatalf("upstream was dialed %d times for a rejected connection", n)
	}
}

// A missing token is closed with 4001 when a token is configured.
func TestRejectMissingToken(t *testing.T) {
	var dials int32
	upstream := startUpstream(t, 0, func(conn *websocket.Conn) {
		atomic.AddInt32(&dials, 1)
		_ = conn.Close()
	})
	cfg := relayConfig()
	cfg.AuthToken = "secret123"
	_, relay := newRelayServer(t, cfg)

	conn := dialRelayRaw(t, relay.URL, "upstream="+url.QueryEscape(util.MakeWsURL(upstream.URL)), nil)
	expectClose(t, conn, CloseInvalidToken)

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&dials); n != 0 {
		t.Fatalf("upstream was dialed %d times for a rejected connection", n)
	}
}

func TestAdmittedWithToken(t *testing.T) {
	upstream := startUpstream(t, 0, func(conn *websocket.Conn) {
		for {
			mt, p, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, p); err != nil {
				return
			}
		}
	})
	cfg := relayConfig()
	cfg.AuthToken = "secret123"
	_, relay := newRelayServer(t, cfg)

	conn := dialRelay(t, relay.URL, upstream.URL, nil, url.Values{"token": []string{"secret123"}})
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, p, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(p) != "ping" {
		t.Fatalf("unexpected payload %q", p)
	}
}
