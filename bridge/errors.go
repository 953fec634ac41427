package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Error types reported by the bridge inside a JSON error envelope.
const (
	ErrorTypeUnauthorizedUser     = 1
	ErrorTypeLinkButtonNotPressed = 101
)

var (
	// ErrLinkButtonNotPressed matches a *BridgeError of type 101. It is the
	// normal state while waiting for the operator to pair.
	ErrLinkButtonNotPressed = errors.New("hue: link button not pressed")

	// ErrUnauthorizedUser matches a *BridgeError of type 1. The stored
	// username has been revoked by the bridge.
	ErrUnauthorizedUser = errors.New("hue: unauthorized user")

	// ErrUninitialisedBridge is returned when a probed bridge reports the
	// all-zeros factory id.
	ErrUninitialisedBridge = errors.New("hue: uninitialised bridge")

	// ErrPairingInProgress is returned when another pairing attempt for the
	// same bridge has not finished yet.
	ErrPairingInProgress = errors.New("hue: pairing already in progress")

	// ErrBridgeDisabled is returned by a pairing attempt that completed
	// after the bridge was disabled. The issued username is not kept.
	ErrBridgeDisabled = errors.New("hue: bridge disabled")

	// ErrUnexpectedResponse is returned when a bridge answers with a body
	// that does not have the expected shape.
	ErrUnexpectedResponse = errors.New("hue: unexpected response")
)

// TransportError means the bridge was never reached: DNS, connect, reset
// or timeout.
type TransportError struct {
	Method string
	URL    string
	Code   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: communication error %s", e.Method, e.URL, e.Code)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError means the bridge answered with a non-200 status and an
// empty body.
type HTTPStatusError struct {
	Method     string
	URL        string
	Status     int
	StatusText string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: http status %d %s", e.Method, e.URL, e.Status, e.StatusText)
}

// BridgeError is an error descriptor embedded in a response envelope.
type BridgeError struct {
	Type        int    `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Type, e.Description)
}

func (e *BridgeError) Is(target error) bool {
	switch target {
	case ErrLinkButtonNotPressed:
		return e.Type == ErrorTypeLinkButtonNotPressed
	case ErrUnauthorizedUser:
		return e.Type == ErrorTypeUnauthorizedUser
	}
	return false
}

// IsCommunicationError reports whether err is a transport or an http status
// failure, i.e. the bridge could not be talked to at all.
func IsCommunicationError(err error) bool {
	var transportErr *TransportError
	var statusErr *HTTPStatusError
	return errors.As(err, &transportErr) || errors.As(err, &statusErr)
}

// transportCode maps a dial or read failure to a short errno style code.
func transportCode(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "ETIMEDOUT"
	case errors.As(err, &dnsErr):
		return "ENOTFOUND"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "EHOSTUNREACH"
	case errors.Is(err, syscall.ENETUNREACH):
		return "ENETUNREACH"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "ETIMEDOUT"
	case errors.Is(err, context.Canceled):
		return "ECANCELED"
	}
	return "EUNKNOWN"
}
