package grill

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrAuthenticationFailed is returned when both the primary and the
// alternate time-bucket token were rejected by the grill.
var ErrAuthenticationFailed = errors.New("grill: authentication failed")

// ErrInvalidArgument is returned for out-of-range or malformed command
// parameters. No request is sent and no state changes.
var ErrInvalidArgument = errors.New("grill: invalid argument")

// TransportKind classifies a transport-level failure.
type TransportKind int

const (
	TransportConnectFailed TransportKind = iota
	TransportSendFailed
	TransportTimeout
	TransportBadStatusLine
)

func (k TransportKind) String() string {
	switch k {
	case TransportConnectFailed:
		return "connect failed"
	case TransportSendFailed:
		return "send failed"
	case TransportTimeout:
		return "timeout"
	case TransportBadStatusLine:
		return "bad status line"
	}
	return "transport error"
}

// TransportError wraps a network failure talking to the grill. The reducer
// treats every TransportError as Offline.
type TransportError struct {
	Kind TransportKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("grill: %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks a response that arrived but could not be decoded:
// missing JSON fields, absent sc blobs, unparsable bodies. Treated as
// Offline by the reducer but logged distinctly.
type ProtocolError struct {
	Endpoint string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("grill: %s: protocol decode: %v", e.Endpoint, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuthError reports whether err represents a dual-token auth rejection.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsTransportError reports whether err is a network-level failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func classifyTransportErr(err error) *TransportError {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TransportError{Kind: TransportTimeout, Err: err}
	case errors.As(err, &nerr) && nerr.Timeout():
		return &TransportError{Kind: TransportTimeout, Err: err}
	}
	var oerr *net.OpError
	if errors.As(err, &oerr) && oerr.Op == "dial" {
		return &TransportError{Kind: TransportConnectFailed, Err: err}
	}
	return &TransportError{Kind: TransportSendFailed, Err: err}
}
