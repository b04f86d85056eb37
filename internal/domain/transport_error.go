package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// TransportErrorKind is the closed set of transport failure classes reported by capability ports.
type TransportErrorKind string

const (
	KindTimeout            TransportErrorKind = "timeout"
	KindHostUnreachable    TransportErrorKind = "host_unreachable"
	KindNetworkUnreachable TransportErrorKind = "network_unreachable"
	KindConnectionRefused  TransportErrorKind = "connection_refused"
	KindConnectionReset    TransportErrorKind = "connection_reset"
	KindBrokenPipe         TransportErrorKind = "broken_pipe"
	KindNotConnected       TransportErrorKind = "not_connected"
	KindAddressInUse       TransportErrorKind = "address_in_use"
	KindAddressUnavailable TransportErrorKind = "address_unavailable"
	KindProtocol           TransportErrorKind = "protocol"
	KindOther              TransportErrorKind = "other"
)

// IsNetwork reports whether the kind is a network-unreachable class that drives reconnection.
func (k TransportErrorKind) IsNetwork() bool {
	switch k {
	case KindTimeout, KindHostUnreachable, KindNetworkUnreachable, KindConnectionRefused,
		KindConnectionReset, KindBrokenPipe, KindNotConnected, KindAddressInUse, KindAddressUnavailable:
		return true
	default:
		return false
	}
}

// TransportError is the error payload of a capability port "error" event.
type TransportError struct {
	// Kind is the classified failure class
	Kind TransportErrorKind

	// Socket is true when the error originated on the live device socket
	Socket bool

	// Address is the remote address involved, if known
	Address string

	// Err is the underlying error
	Err error
}

// NewTransportError classifies err and wraps it as a TransportError.
func NewTransportError(err error, socket bool, address string) *TransportError {
	return &TransportError{
		Kind:    ClassifyError(err),
		Socket:  socket,
		Address: address,
		Err:     err,
	}
}

func (e *TransportError) Error() string {
	if e.Socket {
		return fmt.Sprintf("socket error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransport) match any transport error.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ClassifyError maps an error returned by the network stack to a TransportErrorKind.
func ClassifyError(err error) TransportErrorKind {
	if err == nil {
		return KindOther
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return KindConnectionReset
	case errors.Is(err, syscall.EPIPE):
		return KindBrokenPipe
	case errors.Is(err, syscall.ENOTCONN), errors.Is(err, net.ErrClosed), errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.EHOSTDOWN):
		return KindHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.ENETDOWN):
		return KindNetworkUnreachable
	case errors.Is(err, syscall.EADDRINUSE):
		return KindAddressInUse
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return KindAddressUnavailable
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrConnectionTimeout):
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindHostUnreachable
	}

	return KindOther
}
