package relay

import (
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"

	"github.com/cakson/tg-ws-relay/hostmatch"
)

// Close codes delivered to the client when admission fails.
const (
	CloseOriginNotAllowed   = 4000
	CloseInvalidToken       = 4001
	CloseInvalidUpstreamURL = 4002
	CloseInvalidScheme      = 4003
	CloseHostNotAllowed     = 4004
)

// Rejection is the structured outcome of a failed admission check. It is
// reported to the client only as a WebSocket close code, never as payload.
type Rejection struct {
	Code   int
	Reason string
}

// Gate validates inbound connection requests. A rejection closes the client
// socket with the stated code; the upstream is never dialed.
type Gate struct {
	cfg   *Config
	hosts *hostmatch.Matcher
	log   *log.Logger
}

// NewGate builds a Gate from the process configuration and the compiled
// upstream host matcher.
func NewGate(cfg *Config, hosts *hostmatch.Matcher, logger *log.Logger) *Gate {
	return &Gate{cfg: cfg, hosts: hosts, log: logger}
}

// Admit checks the request's upstream target, host allowlist, origin and
// token, in that order. It returns the admitted target URL, or a Rejection
// describing the first failed check.
func (g *Gate) Admit(r *http.Request) (*url.URL, *Rejection) {
	raw := r.URL.Query().Get("upstream")
	if raw == "" {
		return nil, g.reject(r, CloseInvalidUpstreamURL, "missing upstream URL")
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, g.reject(r, CloseInvalidUpstreamURL, "invalid upstream URL")
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, g.reject(r, CloseInvalidScheme, "invalid upstream scheme")
	}

	// An empty pattern set matches nothing: absence of an explicit
	// allowlist rejects every connection rather than allowing all.
	if !g.hosts.Matches(target.Hostname()) {
		return nil, g.reject(r, CloseHostNotAllowed, "upstream host not allowed")
	}

	if len(g.cfg.OriginWhitelist) > 0 {
		origin := r.Header.Get("Origin")
		if !containsExact(g.cfg.OriginWhitelist, origin) {
			return nil, g.reject(r, CloseOriginNotAllowed, "origin not allowed")
		}
	}

	if g.cfg.AuthToken != "" && r.URL.Query().Get("token") != g.cfg.AuthToken {
		return nil, g.reject(r, CloseInvalidToken, "invalid token")
	}

	g.log.WithFields(log.Fields{
		"remoteAddr": r.RemoteAddr,
		"upstream":   target.String(),
	}).Info("connection admitted")
	return target, nil
}

func (g *Gate) reject(r *http.Request, code int, reason string) *Rejection {
	g.log.WithFields(log.Fields{
		"remoteAddr": r.RemoteAddr,
		"code":       code,
		"reason":     reason,
	}).Warn("connection rejected")
	return &Rejection{Code: code, Reason: reason}
}

func containsExact(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
