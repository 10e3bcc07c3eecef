package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/agentlink/internal/endpoint"
	"github.com/codefionn/agentlink/internal/wire"
)

// ErrNotConnected is returned when an operation needs a live connection.
var ErrNotConnected = errors.New("not connected")

// ErrSessionClosed fails pending requests on teardown.
var ErrSessionClosed = errors.New("session closed")

// ErrAlreadyConnected is returned by Connect on a non-idle session.
var ErrAlreadyConnected = errors.New("session already connected")

// TimeoutError reports a request that never received its response.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out", e.Method)
}

// IncompatibleVersionError reports a server older than the minimum this
// client speaks to.
type IncompatibleVersionError struct {
	Remote string
	Min    string
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("server version %s is older than the required minimum %s; update the server", e.Remote, e.Min)
}

// HandshakeDropError reports a connection the server closed before sending
// a single message. Known cause: servers that reject the
// permessage-deflate extension drop the socket right after the upgrade, so
// the remediation names compression explicitly.
type HandshakeDropError struct {
	Cause error
}

func (e *HandshakeDropError) Error() string {
	return fmt.Sprintf("server dropped the connection before completing the handshake (%v); "+
		"check that the server is an agent app server and that WebSocket compression (permessage-deflate) is disabled", e.Cause)
}

func (e *HandshakeDropError) Unwrap() error { return e.Cause }

// Category is a coarse failure class for presentation layers.
type Category string

const (
	CategoryConnection     Category = "connection"
	CategoryAuthentication Category = "authentication"
	CategoryPermission     Category = "permission"
	CategoryCompatibility  Category = "compatibility"
	CategoryProtocol       Category = "protocol"
	CategoryUnknown        Category = "unknown"
)

// Categorize maps an error to a coarse failure class. Typed errors decide
// first; everything else falls back to message keywords, which is lossy
// but good enough for choosing a help text.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var incompat *IncompatibleVersionError
	var drop *HandshakeDropError
	var timeout *TimeoutError
	var invalid *endpoint.InvalidURLError
	var unreachable *endpoint.UnreachableHostError
	var remote *wire.RemoteError
	switch {
	case errors.As(err, &incompat):
		return CategoryCompatibility
	case errors.As(err, &drop):
		return CategoryCompatibility
	case errors.As(err, &timeout):
		return CategoryConnection
	case errors.As(err, &invalid), errors.As(err, &unreachable):
		return CategoryConnection
	case errors.As(err, &remote):
		if remote.IsProtocol() {
			return CategoryProtocol
		}
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrSessionClosed):
		return CategoryConnection
	}

	return keywordCategory(err.Error())
}

func keywordCategory(msg string) Category {
	msg = strings.ToLower(msg)

	contains := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(msg, w) {
				return true
			}
		}
		return false
	}

	switch {
	case contains("auth", "login", "token", "credential", "unauthorized"):
		return CategoryAuthentication
	case contains("permission", "forbidden", "denied"):
		return CategoryPermission
	case contains("version", "unsupported protocol", "incompatible"):
		return CategoryCompatibility
	case contains("connect", "network", "unreachable", "refused", "timeout", "closed"):
		return CategoryConnection
	default:
		return CategoryUnknown
	}
}
