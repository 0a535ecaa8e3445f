package relay

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Subprotocol is the single subprotocol negotiated on both legs,
	// meaning "binary-framed relay".
	Subprotocol = "binary"

	handshakeTimeout    = 10 * time.Second
	controlWriteTimeout = 10 * time.Second
)

// connectorEvents is the surface through which the connector reports
// upstream activity to the engine. All methods are invoked from the
// connector's goroutines.
type connectorEvents interface {
	handleUpstreamOpen(conn *websocket.Conn)
	handleUpstreamMessage(messageType int, p []byte)
	handleUpstreamClose(code int, text string)
	handleUpstreamError(err error)
}

// Connector opens and supervises the outbound connection to the admitted
// target. It owns the upstream idle timer, resets it on every inbound
// signal (data frame, ping, or pong), and forcibly terminates a silent
// upstream without a close handshake. It never retries or reconnects.
type Connector struct {
	cfg    *Config
	log    *log.Entry
	events connectorEvents

	mu      sync.Mutex
	conn    *websocket.Conn
	idle    *time.Timer
	gate    func() bool
	stopped bool
}

func newConnector(cfg *Config, logger *log.Entry, events connectorEvents) *Connector {
	return &Connector{cfg: cfg, log: logger, events: events}
}

// Connect initiates the outbound handshake asynchronously; it never blocks
// the caller. Outcomes are reported through the event surface.
func (c *Connector) Connect(target *url.URL) {
	go c.dial(target)
}

// setGate installs the pre-read gate consulted by the read loop; the engine
// points it at the upstream leg's flow-control gate once the leg exists.
func (c *Connector) setGate(gate func() bool) {
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
}

// stop discards any connection still being dialed and cancels the idle
// timer. Safe to call more than once.
func (c *Connector) stop() {
	c.mu.Lock()
	c.stopped = true
	if c.idle != nil {
		c.idle.Stop()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Connector) dial(target *url.URL) {
	dialer := &websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		Subprotocols:      []string{Subprotocol},
		EnableCompression: false,
	}

	conn, resp, err := dialer.Dial(target.String(), nil)
	if err != nil {
		if resp != nil {
			// e.g. a non-101 status during the handshake
			err = fmt.Errorf("unexpected upstream handshake response %d: %w", resp.StatusCode, err)
		}
		c.events.handleUpstreamError(err)
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.idle = time.AfterFunc(c.cfg.UpstreamIdleTimeout, c.onIdle)
	c.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		c.touch()
		// reply like gorilla's default handler so the upstream's own
		// liveness checks keep passing
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.events.handleUpstreamOpen(conn)
	c.readLoop(conn)
}

func (c *Connector) readLoop(conn *websocket.Conn) {
	for {
		c.mu.Lock()
		gate := c.gate
		c.mu.Unlock()
		if gate != nil && !gate() {
			return
		}

		messageType, p, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				c.events.handleUpstreamClose(ce.Code, ce.Text)
			} else if !c.isStopped() {
				c.events.handleUpstreamError(err)
			}
			return
		}
		c.touch()
		c.events.handleUpstreamMessage(messageType, p)
	}
}

// touch resets the idle timer on any inbound upstream signal.
func (c *Connector) touch() {
	c.mu.Lock()
	if !c.stopped && c.idle != nil {
		c.idle.Reset(c.cfg.UpstreamIdleTimeout)
	}
	c.mu.Unlock()
}

// onIdle fires when the upstream has been silent for the full idle timeout.
// A silent upstream is treated as dead weight: the socket is terminated
// without a close handshake.
func (c *Connector) onIdle() {
	c.mu.Lock()
	conn := c.conn
	stopped := c.stopped
	c.mu.Unlock()
	if stopped || conn == nil {
		return
	}

	c.log.Warn("upstream idle timeout; terminating connection")
	_ = conn.Close()
	c.events.handleUpstreamError(ErrUpstreamIdleTimeout)
}

func (c *Connector) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
