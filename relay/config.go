package relay

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Defaults and minimums for the numeric configuration options. Values below
// the minimum abort startup rather than being silently clamped.
const (
	defaultPort                  = 8080
	defaultClientIdleTimeout     = 60 * time.Second
	defaultUpstreamIdleTimeout   = 60 * time.Second
	defaultPingInterval          = 30 * time.Second
	defaultBackpressureThreshold = 1 << 20

	minTimeout               = time.Second
	minBackpressureThreshold = 1024
)

// Config is the immutable process configuration. It is constructed once at
// startup and passed by reference into every component; nothing mutates it
// after construction.
type Config struct {
	// Port the HTTP server listens on.
	Port int

	// OriginWhitelist is the set of exact Origin header values admitted on
	// the upgrade endpoint. Empty means any origin, including none.
	OriginWhitelist []string

	// AuthToken, when non-empty, must be matched exactly by the `token`
	// query parameter.
	AuthToken string

	// LogLevel for the process logger.
	LogLevel log.Level

	// ClientIdleTimeout closes a connection whose client has sent no
	// frame, ping or pong for this long.
	ClientIdleTimeout time.Duration

	// UpstreamIdleTimeout terminates an upstream that has been silent for
	// this long.
	UpstreamIdleTimeout time.Duration

	// PingInterval is the keepalive ping period on the client leg. A pong
	// must be seen between consecutive pings.
	PingInterval time.Duration

	// BackpressureThreshold is the outbound buffered-byte count above which
	// the opposite leg's inbound consumption is paused. It resumes below
	// half this value.
	BackpressureThreshold int

	// UpstreamHosts holds wildcard patterns for admissible upstream
	// hostnames. Empty rejects every connection (fail closed).
	UpstreamHosts []string
}

// ConfigFromEnv reads and validates the process configuration from
// environment variables. Any invalid value is an error; the caller is
// expected to abort startup.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{
		Port:                  defaultPort,
		LogLevel:              log.InfoLevel,
		ClientIdleTimeout:     defaultClientIdleTimeout,
		UpstreamIdleTimeout:   defaultUpstreamIdleTimeout,
		PingInterval:          defaultPingInterval,
		BackpressureThreshold: defaultBackpressureThreshold,
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("PORT must be a port number, got %q", v)
		}
		cfg.Port = p
	}

	cfg.OriginWhitelist = splitCSV(os.Getenv("ORIGIN_WHITELIST"))
	cfg.AuthToken = os.Getenv("AUTH_TOKEN")
	cfg.UpstreamHosts = splitCSV(os.Getenv("UPSTREAM_HOSTS"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := log.ParseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	var err error
	if cfg.ClientIdleTimeout, err = envSeconds("CLIENT_IDLE_TIMEOUT", cfg.ClientIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.UpstreamIdleTimeout, err = envSeconds("UPSTREAM_IDLE_TIMEOUT", cfg.UpstreamIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.PingInterval, err = envSeconds("PING_INTERVAL", cfg.PingInterval); err != nil {
		return nil, err
	}

	if v := os.Getenv("BACKPRESSURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minBackpressureThreshold {
			return nil, fmt.Errorf("BACKPRESSURE_THRESHOLD must be an integer >= %d, got %q", minBackpressureThreshold, v)
		}
		cfg.BackpressureThreshold = n
	}

	return cfg, nil
}

// envSeconds reads a whole-second duration from the environment, enforcing
// the global minimum.
func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || time.Duration(n)*time.Second < minTimeout {
		return 0, fmt.Errorf("%s must be a whole number of seconds >= %s, got %q", name, minTimeout, v)
	}
	return time.Duration(n) * time.Second, nil
}

// splitCSV splits a comma-separated value, trimming whitespace and dropping
// empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
