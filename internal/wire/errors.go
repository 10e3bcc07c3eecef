package wire

import "fmt"

// JSON-RPC error codes recognized by the engine.
const (
	// CodeParseError is the standard parse-error code
	CodeParseError = -32700
	// CodeInvalidRequest is the standard invalid-request code
	CodeInvalidRequest = -32600
	// CodeMethodNotFound is the standard method-not-found code
	CodeMethodNotFound = -32601
	// CodeInvalidParams triggers the optional-parameter negotiation fallback
	CodeInvalidParams = -32602
	// CodeInternalError is the standard internal-error code
	CodeInternalError = -32603
	// CodeOverloaded is reported by the app server under transient overload
	// and is retried with backoff
	CodeOverloaded = -32000
)

// MalformedError reports a payload that could not be decoded or an envelope
// that satisfies none of the valid shapes.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed payload: " + e.Reason
}

// RemoteError carries an error reported by the app server.
type RemoteError struct {
	Code    int64
	Message string
	Data    *Value
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// IsOverloaded reports whether the error denotes transient overload.
func (e *RemoteError) IsOverloaded() bool { return e.Code == CodeOverloaded }

// IsInvalidParams reports whether the error denotes rejected parameters.
func (e *RemoteError) IsInvalidParams() bool { return e.Code == CodeInvalidParams }

// IsProtocol reports whether the error uses a standard protocol-level code.
func (e *RemoteError) IsProtocol() bool {
	switch e.Code {
	case CodeParseError, CodeInvalidRequest, CodeMethodNotFound, CodeInternalError:
		return true
	}
	return false
}
