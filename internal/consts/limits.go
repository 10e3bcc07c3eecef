package consts

import "time"

// Protocol timeouts
const (
	// RequestTimeout is how long a correlated request waits for its response
	RequestTimeout = 30 * time.Second
	// ConnectTimeout is the timeout for dialing and the handshake exchange
	ConnectTimeout = 10 * time.Second
	// WriteTimeout is the timeout for writing a single message
	WriteTimeout = 10 * time.Second
	// PingInterval is the fixed interval of the liveness-probe loop
	PingInterval = 20 * time.Second
	// PongTimeout is how long a liveness probe waits for its pong
	PongTimeout = 5 * time.Second
)

// Reconnection policy
const (
	// MaxReconnectAttempts is the hard cap on automatic reconnect attempts
	MaxReconnectAttempts = 3
	// ReconnectBaseDelay is the delay before the first reconnect attempt;
	// attempt n waits ReconnectBaseDelay << (n-1)
	ReconnectBaseDelay = 1 * time.Second
)

// Overload retry policy
const (
	// OverloadRetryBudget is the number of retries after an overloaded reply
	OverloadRetryBudget = 3
	// OverloadBaseDelay is the base delay for overload backoff
	OverloadBaseDelay = 250 * time.Millisecond
	// OverloadJitter is the randomization factor applied to overload backoff
	OverloadJitter = 0.25
)

// Catalog pagination limits
const (
	// CatalogRowCap bounds accumulated rows per catalog; pagination stops at
	// the cap even if the server keeps producing cursors
	CatalogRowCap = 1000
	// CatalogPageSize is the page size requested from list endpoints
	CatalogPageSize = 100
)

// Transcript handling
const (
	// PreviewRuneCap bounds the completion-event text preview
	PreviewRuneCap = 200
	// MaxMessageSize is the largest message accepted from the peer
	MaxMessageSize = 10 * 1024 * 1024
)

// MinRemoteVersion is the oldest app-server version this client speaks to.
const MinRemoteVersion = "0.101.0"
