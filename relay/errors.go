package relay

import (
	"errors"
)

var (
	// ErrLegClosed is returned when a frame is enqueued on a leg whose
	// write pump has been released.
	ErrLegClosed = errors.New("relay leg closed")

	// ErrUpstreamIdleTimeout is reported by the connector when the upstream
	// has been silent for longer than the configured idle timeout.
	ErrUpstreamIdleTimeout = errors.New("upstream idle timeout")
)
