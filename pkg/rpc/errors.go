package rpc

import (
	"errors"
	"fmt"
)

// CodeDataUnavailable is returned by nodes when the requested block or state has been pruned.
const CodeDataUnavailable = -32001

var (
	// ErrNoAvailablePeers means every endpoint is banned or above the score ceiling.
	ErrNoAvailablePeers = errors.New("no available RPC nodes")
	// ErrStaleTrustPoint means the requested history is gone from the nodes and a new trusted block is needed.
	ErrStaleTrustPoint = errors.New("block is too old and doesn't exist on the RPC node, enter a new trusted block")
	// ErrTransport covers connection errors and non-2xx responses. It never escapes HTTPClient.Call.
	ErrTransport = errors.New("rpc transport failure")
	// ErrMalformedResponse covers undecodable bodies and responses without a result.
	ErrMalformedResponse = errors.New("malformed rpc response")
	// ErrMismatch means a node answered with data that contradicts the request.
	ErrMismatch = errors.New("rpc response does not match request")
	// ErrIndexUnavailable is returned when no era index service is configured.
	ErrIndexUnavailable = errors.New("era index service unavailable")
)

// RPCError is a well formed JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrStaleTrustPoint) match pruned-data errors.
func (e *RPCError) Is(target error) bool {
	return target == ErrStaleTrustPoint && e.Code == CodeDataUnavailable
}

// TransportError describes a failed HTTP exchange with one endpoint.
type TransportError struct {
	Endpoint   string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// unreachable reports whether no HTTP response was received at all.
func (e *TransportError) unreachable() bool { return e.StatusCode == 0 }
