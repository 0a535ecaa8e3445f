package relay

import (
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/cakson/tg-ws-relay/metrics"
)

// engineState tracks the per-connection state machine:
//
//	admitting  --gate accepts-->  connecting  --upstream open-->  relaying
//	admitting  --gate rejects-->  closed
//	any state  --close/error/timeout-->  closing  -->  closed
//
// The transition into closing is guarded by the terminator so that only the
// first trigger has effect.
type engineState int

const (
	stateAdmitting engineState = iota
	stateConnecting
	stateRelaying
	stateClosing
	stateClosed
)

// Forwarding direction labels used in logs and metrics.
const (
	dirToUpstream = "to_upstream"
	dirToClient   = "to_client"
)

// Engine is the per-connection orchestrator. It owns the state machine, the
// pending-message buffer, the client idle timer, the keepalive ping timer,
// and the single idempotent cleanup path.
type Engine struct {
	id     string
	cfg    *Config
	log    *log.Entry
	target *url.URL

	downstream *leg
	connector  *Connector

	mu       sync.Mutex
	state    engineState
	upstream *leg

	// pending holds binary frames received from the client while the
	// upstream handshake is in flight. It is flushed to the upstream in
	// arrival order exactly once, on open. The queue carries no size
	// bound, so a client that floods during a slow handshake can grow it
	// without limit.
	pending [][]byte

	toUpstream *backpressure
	toClient   *backpressure

	// pongSeen is set by the client pong handler and consumed by the
	// keepalive loop once per ping interval.
	pongSeen bool

	started       time.Time
	bytesToUp     uint64 // mutated only by the forwarding path
	bytesToClient uint64

	clientIdle *time.Timer

	term   *terminator
	done   chan struct{}
	onDone func(id string)
}

func newEngine(id string, cfg *Config, logger *log.Entry, client *websocket.Conn, target *url.URL, onDone func(id string)) *Engine {
	e := &Engine{
		id:         id,
		cfg:        cfg,
		log:        logger,
		target:     target,
		downstream: newLeg("downstream", client),
		state:      stateAdmitting,
		term:       newTerminator(),
		done:       make(chan struct{}),
		onDone:     onDone,
	}
	e.connector = newConnector(cfg, logger, e)
	e.toUpstream = newBackpressure(dirToUpstream, cfg.BackpressureThreshold, e.downstream)
	// started and the idle timer exist before the engine is published
	// anywhere, so a concurrent shutdown never observes them half-built
	e.started = time.Now()
	e.clientIdle = time.AfterFunc(cfg.ClientIdleTimeout, func() {
		e.shutdown(websocket.CloseNormalClosure, "client idle timeout")
	})
	return e
}

// run starts the relay and blocks until the connection has fully terminated.
// A shutdown that won the race before startup leaves the engine untouched.
func (e *Engine) run() {
	e.mu.Lock()
	if e.term.isTripped() {
		e.mu.Unlock()
		return
	}
	e.state = stateConnecting
	e.mu.Unlock()

	client := e.downstream.conn
	client.SetPingHandler(func(data string) error {
		e.touchClient()
		err := client.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	client.SetPongHandler(func(string) error {
		e.touchClient()
		e.mu.Lock()
		e.pongSeen = true
		e.mu.Unlock()
		return nil
	})

	e.connector.Connect(e.target)
	go e.downstream.writePump(func(err error) {
		e.log.WithError(err).Warn("client write failed")
	})
	go e.readClient()
	go e.keepalive()

	<-e.done
}

// readClient consumes frames from the client leg, honoring its flow-control
// gate before each read.
func (e *Engine) readClient() {
	for {
		if !e.downstream.gate() {
			return
		}
		messageType, p, err := e.downstream.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				e.shutdown(ce.Code, "client closed connection")
			} else {
				e.shutdown(websocket.CloseAbnormalClosure, "client connection error")
			}
			return
		}
		e.touchClient()
		if messageType != websocket.BinaryMessage {
			e.log.WithField("type", messageType).Debug("dropping non-binary client frame")
			metrics.DroppedFrames.WithLabelValues("downstream").Inc()
			continue
		}
		e.forwardToUpstream(p)
	}
}

// forwardToUpstream routes one binary client frame according to the current
// state: buffered while connecting, forwarded while relaying, dropped once
// the upstream leg is closing or closed.
func (e *Engine) forwardToUpstream(p []byte) {
	e.mu.Lock()
	switch e.state {
	case stateConnecting:
		e.pending = append(e.pending, p)
		e.mu.Unlock()
	case stateRelaying:
		e.sendUpstreamLocked(p)
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		e.log.Debug("dropping client frame: upstream not open")
		metrics.DroppedFrames.WithLabelValues("downstream").Inc()
	}
}

// sendUpstreamLocked enqueues one frame on the upstream leg and applies
// backpressure using the resulting buffered byte count. Caller holds e.mu.
func (e *Engine) sendUpstreamLocked(p []byte) {
	queued, err := e.upstream.enqueue(p)
	if err != nil {
		e.log.Debug("dropping client frame: upstream leg closed")
		metrics.DroppedFrames.WithLabelValues("downstream").Inc()
		return
	}
	atomic.AddUint64(&e.bytesToUp, uint64(len(p)))
	metrics.ForwardedBytes.WithLabelValues(dirToUpstream).Add(float64(len(p)))
	e.toUpstream.onForwarded(queued)
}

// handleUpstreamOpen transitions connecting -> relaying. The pending buffer
// is flushed in arrival order, then cleared, before any later client frame
// can be forwarded; both happen under the state lock to preserve ordering.
func (e *Engine) handleUpstreamOpen(conn *websocket.Conn) {
	e.mu.Lock()
	if e.state != stateConnecting {
		// lost the race with a close trigger
		e.mu.Unlock()
		_ = conn.Close()
		return
	}

	up := newLeg("upstream", conn)
	e.upstream = up
	e.toClient = newBackpressure(dirToClient, e.cfg.BackpressureThreshold, up)

	up.setOnDrain(func(queuedBytes int) { e.toUpstream.onDrain(queuedBytes) })
	e.downstream.setOnDrain(func(queuedBytes int) { e.toClient.onDrain(queuedBytes) })

	e.connector.setGate(up.gate)
	go up.writePump(func(err error) {
		e.log.WithError(err).Warn("upstream write failed")
	})

	e.state = stateRelaying
	pending := e.pending
	e.pending = nil
	for _, p := range pending {
		e.sendUpstreamLocked(p)
	}
	e.mu.Unlock()

	e.log.WithField("pendingFlushed", len(pending)).Info("upstream open, relaying")
}

// handleUpstreamMessage forwards one upstream frame to the client. Non-binary
// frames are dropped; the connector has already counted them as liveness.
func (e *Engine) handleUpstreamMessage(messageType int, p []byte) {
	if messageType != websocket.BinaryMessage {
		e.log.WithField("type", messageType).Debug("dropping non-binary upstream frame")
		metrics.DroppedFrames.WithLabelValues("upstream").Inc()
		return
	}
	queued, err := e.downstream.enqueue(p)
	if err != nil {
		e.log.Debug("dropping upstream frame: client leg closed")
		metrics.DroppedFrames.WithLabelValues("upstream").Inc()
		return
	}
	atomic.AddUint64(&e.bytesToClient, uint64(len(p)))
	metrics.ForwardedBytes.WithLabelValues(dirToClient).Add(float64(len(p)))
	e.mu.Lock()
	bp := e.toClient
	e.mu.Unlock()
	bp.onForwarded(queued)
}

func (e *Engine) handleUpstreamClose(code int, text string) {
	e.log.WithFields(log.Fields{"code": code, "text": text}).Info("upstream closed connection")
	e.shutdown(code, "upstream closed connection")
}

func (e *Engine) handleUpstreamError(err error) {
	if errors.Is(err, ErrUpstreamIdleTimeout) {
		e.shutdown(websocket.CloseNormalClosure, "upstream idle timeout")
		return
	}
	if e.term.isTripped() {
		return
	}
	e.log.WithError(err).Warn("upstream error")
	e.shutdown(websocket.CloseInternalServerErr, "upstream error")
}

// keepalive pings the client every PingInterval and expects a pong before
// the next tick. A missing pong means a dead peer and closes the connection.
func (e *Engine) keepalive() {
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()
	for {
		err := e.downstream.conn.WriteControl(
			websocket.PingMessage, nil,
			// use a deadline of half the interval, to ensure the message
			// is sent in a reasonable amount of time
			time.Now().Add(e.cfg.PingInterval/2))
		if err != nil && err != websocket.ErrCloseSent {
			e.shutdown(websocket.CloseAbnormalClosure, "client ping failed")
			return
		}

		select {
		case <-ticker.C:
		case <-e.done:
			return
		}

		e.mu.Lock()
		pongSeen := e.pongSeen
		e.pongSeen = false
		e.mu.Unlock()
		if !pongSeen {
			e.shutdown(websocket.CloseNormalClosure, "ping timeout")
			return
		}
	}
}

// touchClient resets the client idle timer on any inbound client signal.
func (e *Engine) touchClient() {
	if e.term.isTripped() {
		return
	}
	e.clientIdle.Reset(e.cfg.ClientIdleTimeout)
}

// shutdown is the single terminal transition. Every close, error and timeout
// trigger funnels through it; only the first caller executes the side
// effects (timer cancellation, socket closure, stats emission).
func (e *Engine) shutdown(code int, reason string) {
	if !e.term.trip() {
		return
	}

	e.mu.Lock()
	e.state = stateClosing
	up := e.upstream
	e.pending = nil
	e.mu.Unlock()

	e.clientIdle.Stop()
	e.connector.stop()

	closeConn(e.downstream.conn, code, reason)
	e.downstream.shut()
	if up != nil {
		closeConn(up.conn, code, reason)
		up.shut()
	}

	e.mu.Lock()
	e.state = stateClosed
	e.mu.Unlock()

	duration := time.Since(e.started)
	e.log.WithFields(log.Fields{
		"code":          code,
		"reason":        reason,
		"bytesToUp":     atomic.LoadUint64(&e.bytesToUp),
		"bytesToClient": atomic.LoadUint64(&e.bytesToClient),
		"duration":      duration.String(),
	}).Info("connection closed")
	metrics.ConnectionSeconds.Observe(duration.Seconds())

	if e.onDone != nil {
		e.onDone(e.id)
	}
	close(e.done)
}

// closeConn attempts a close handshake with a code the peer may legitimately
// receive, then closes the socket. If the peer is already gone the control
// write fails and the socket is simply torn down.
func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(sanitizeCloseCode(code), reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteTimeout))
	_ = conn.Close()
}

// sanitizeCloseCode substitutes the generic normal-closure code for the two
// reserved codes (1005, 1006) that must never appear on the wire.
func sanitizeCloseCode(code int) int {
	if code == websocket.CloseNoStatusReceived || code == websocket.CloseAbnormalClosure {
		return websocket.CloseNormalClosure
	}
	return code
}
