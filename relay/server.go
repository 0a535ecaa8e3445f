package relay

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/taskcluster/slugid-go/slugid"

	"github.com/cakson/tg-ws-relay/hostmatch"
	"github.com/cakson/tg-ws-relay/metrics"
)

// HTTP paths served by the relay.
const (
	UpgradePath = "/ws"
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

// Server is the process-wide http.Handler: the upgrade endpoint, the
// plain-HTTP health probe, the metrics endpoint, and a 404 for everything
// else. It tracks live connections so a shutdown can drain them.
type Server struct {
	cfg      *Config
	log      *log.Logger
	gate     *Gate
	upgrader websocket.Upgrader
	router   *mux.Router

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewServer compiles the host allowlist and wires the routes. Invalid host
// patterns are a startup error.
func NewServer(cfg *Config, logger *log.Logger) (*Server, error) {
	hosts, err := hostmatch.Compile(cfg.UpstreamHosts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:  cfg,
		log:  logger,
		gate: NewGate(cfg, hosts, logger),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			// rejections are delivered as close codes on the upgraded
			// socket, so the origin check happens in the gate instead
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		engines: make(map[string]*Engine),
	}

	router := mux.NewRouter()
	router.HandleFunc(UpgradePath, s.handleRelay)
	router.HandleFunc(HealthPath, handleHealth).Methods(http.MethodGet)
	router.Handle(MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	s.router = router
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleRelay upgrades the client socket, runs the admission gate, and hands
// the connection to an Engine for its lifetime. Panics during admission or
// setup are mapped to a generic internal-error closure rather than
// propagating.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("remoteAddr", r.RemoteAddr).Warn("websocket upgrade failed")
		return
	}

	connID := slugid.Nice()
	logger := s.log.WithFields(log.Fields{
		"connID":     connID,
		"remoteAddr": r.RemoteAddr,
	})

	defer func() {
		if p := recover(); p != nil {
			logger.WithField("panic", p).Error("connection setup panicked")
			closeConn(conn, websocket.CloseInternalServerErr, "internal error")
		}
	}()

	target, rejection := s.gate.Admit(r)
	if rejection != nil {
		metrics.RejectedTotal.WithLabelValues(strconv.Itoa(rejection.Code)).Inc()
		closeConn(conn, rejection.Code, rejection.Reason)
		return
	}

	metrics.AcceptedTotal.Inc()
	metrics.ActiveConnections.Inc()

	engine := newEngine(connID, s.cfg, logger, conn, target, s.remove)
	s.mu.Lock()
	s.engines[connID] = engine
	s.mu.Unlock()

	engine.run()
}

func (s *Server) remove(connID string) {
	s.mu.Lock()
	delete(s.engines, connID)
	s.mu.Unlock()
	metrics.ActiveConnections.Dec()
}

// Drain requests a normal closure on every live connection and waits for
// them to finish, or for ctx to expire. Callers stop the listener first.
func (s *Server) Drain(ctx context.Context) {
	s.mu.Lock()
	engines := make([]*Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	for _, e := range engines {
		go e.shutdown(websocket.CloseNormalClosure, "server shutting down")
	}
	for _, e := range engines {
		select {
		case <-e.done:
		case <-ctx.Done():
			return
		}
	}
}
