// Package relay implements a transparent WebSocket relay. Each admitted
// client connection is bridged to a client-chosen upstream WebSocket
// endpoint, with binary frames forwarded in both directions.
//
//	client ---> [ relay ] --- websocket ---> upstream
//
// The relay never interprets the application protocol carried inside the
// frames. Admission is controlled by an origin allowlist, an optional shared
// token, and a fail-closed upstream host allowlist. Liveness on both legs is
// enforced with idle timers and a keepalive ping to the client; flow in each
// direction is governed by an independent backpressure controller.
package relay
