// Package transport carries opaque protocol messages to and from the app
// server. The session engine only depends on the Transport interface; the
// default implementation speaks WebSocket.
package transport

import (
	"context"
	"net/url"
	"time"
)

// Transport is one open message channel. Send and Receive move whole
// messages; Ping measures round-trip time to the peer.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Ping(ctx context.Context) (time.Duration, error)
	Close() error
}

// Dialer opens a Transport to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, u *url.URL) (Transport, error)
}
