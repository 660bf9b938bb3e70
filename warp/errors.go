package warp

import "errors"

// errors.go provides the error kinds of the warp package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for host connections
var (
	ErrBufferOverflow    = errors.New("send buffer overflow")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrTransport         = errors.New("transport error")
	ErrMissingTransport  = errors.New("no websocket transport available")
)

// used for the worker adapter
var (
	ErrUnexpectedSignal = errors.New("unexpected worker signal")
)

// used for the client registry
var (
	ErrClientClosed            = errors.New("client closed")
	ErrHostClosed              = errors.New("host closed")
	ErrInvalidDownlinkSettings = errors.New("invalid downlink settings")
)

// used for credentials
var (
	ErrCredentialsExpired = errors.New("credentials expired")
)
