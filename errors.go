package fabric

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect is returned when a peer is unreachable or the handshake
	// failed, after the bounded connect retries are exhausted.
	ErrConnect = fmt.Errorf("fabric: connect failed")

	// ErrDisconnected settles every call that was in flight on a
	// connection when it was lost.
	ErrDisconnected = fmt.Errorf("fabric: peer disconnected")

	// ErrTimeout is returned when a call's local wait exceeds its
	// deadline. The remote handler keeps running; no cancellation is
	// sent upstream.
	ErrTimeout = fmt.Errorf("fabric: call timeout")

	// ErrNoSuchMethod is returned when the remote node has no handler
	// registered under the requested method name.
	ErrNoSuchMethod = fmt.Errorf("fabric: no such method")

	// ErrDecode is returned when a payload cannot be decoded. It fails
	// only the call it belongs to, never the connection.
	ErrDecode = fmt.Errorf("fabric: payload decode failed")

	// ErrProtocol indicates corrupted framing. It is connection-fatal.
	ErrProtocol = fmt.Errorf("fabric: protocol error")

	// ErrNodeClosed is returned for operations issued during or after Stop.
	ErrNodeClosed = fmt.Errorf("fabric: node closed")

	// ErrUnknownPeer is returned when a call names a peer the node has
	// never connected to (and so has no address for).
	ErrUnknownPeer = fmt.Errorf("fabric: unknown peer")
)

// Error kind strings carried on the wire in ErrorResponse envelopes.
const (
	errKindNoSuchMethod = "no_such_method"
	errKindDecode       = "decode_error"
	errKindRemote       = "remote_error"
)

// RemoteError carries a failure raised by a remote handler. Kind is the
// remote-supplied classification; Message is the remote error text.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("fabric: remote error (%s): %s", e.Kind, e.Message)
}

// errorFromWire converts an ErrorResponse's kind+message back into the
// error the caller's future is failed with. Well-known kinds map onto
// the local sentinels so callers can use errors.Is.
func errorFromWire(kind, message string) error {
	switch kind {
	case errKindNoSuchMethod:
		return fmt.Errorf("%w: %s", ErrNoSuchMethod, message)
	case errKindDecode:
		return fmt.Errorf("%w: %s", ErrDecode, message)
	default:
		return &RemoteError{Kind: kind, Message: message}
	}
}

// errorToWire converts a handler-side error into the kind+message pair
// sent in an ErrorResponse.
func errorToWire(err error) (kind, message string) {
	var re *RemoteError
	switch {
	case errors.Is(err, ErrNoSuchMethod):
		return errKindNoSuchMethod, err.Error()
	case errors.Is(err, ErrDecode):
		return errKindDecode, err.Error()
	case errors.As(err, &re):
		return re.Kind, re.Message
	default:
		return errKindRemote, err.Error()
	}
}
