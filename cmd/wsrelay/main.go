package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	docopt "github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/cakson/tg-ws-relay/relay"
)

const usage = `Telegram WebSocket Relay Server

Usage: wsrelay [-h | --help]

Environment:
 PORT (optional; defaults to 8080)       listening port
 UPSTREAM_HOSTS                          CSV of wildcard host patterns; empty rejects all connections
 ORIGIN_WHITELIST                        CSV of allowed Origin values; empty allows any origin
 AUTH_TOKEN                              shared token required on the upgrade endpoint; empty disables the check
 LOG_LEVEL                               logrus level (default info)
 CLIENT_IDLE_TIMEOUT                     seconds of client silence tolerated (default 60)
 UPSTREAM_IDLE_TIMEOUT                   seconds of upstream silence tolerated (default 60)
 PING_INTERVAL                           keepalive ping period in seconds (default 30)
 BACKPRESSURE_THRESHOLD                  outbound buffered bytes before pausing the sender (default 1048576)
 ENV                                     "production" switches to JSON log output

Options:
-h --help       Show help`

const drainTimeout = 30 * time.Second

func main() {
	_, _ = docopt.Parse(usage, nil, true, "wsrelay", false)

	logger := log.New()

	cfg, err := relay.ConfigFromEnv()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	logger.SetLevel(cfg.LogLevel)
	if os.Getenv("ENV") == "production" {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	handler, err := relay.NewServer(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("invalid upstream host patterns")
	}

	server := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: handler}

	drained := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		// stop accepting first, then close active connections cooperatively
		_ = server.Shutdown(ctx)
		handler.Drain(ctx)
		close(drained)
	}()

	logger.WithField("addr", server.Addr).Info("starting server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("server failed")
	}
	<-drained
	logger.Info("shutdown complete")
}
