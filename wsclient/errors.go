package wsclient

import (
	"errors"
	"fmt"
)

var (
	ErrNotOpen        = errors.New("wsclient: connection not open")
	ErrProxyRejected  = errors.New("wsclient: proxy rejected CONNECT")
	ErrCloseTimeout   = errors.New("wsclient: peer did not acknowledge close")
	ErrInvalidAddress = errors.New("wsclient: invalid address")
)

// ConnectError reports a failure to reach the target, either directly or
// through the proxy. ProxyStatus is the CONNECT response status when the
// proxy answered with something other than 2xx.
type ConnectError struct {
	Op          string
	Addr        string
	ProxyStatus int
	Err         error
}

func (e *ConnectError) Error() string {
	if e.ProxyStatus != 0 {
		return fmt.Sprintf("wsclient: %s %s: proxy status %d: %v", e.Op, e.Addr, e.ProxyStatus, e.Err)
	}
	return fmt.Sprintf("wsclient: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// HandshakeError reports a failed websocket upgrade. StatusCode is zero when
// no HTTP response was received.
type HandshakeError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("wsclient: handshake %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("wsclient: handshake %s: %v", e.URL, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("wsclient: send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// TransportError is delivered to the error handler when the session fails
// after the handshake.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wsclient: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
