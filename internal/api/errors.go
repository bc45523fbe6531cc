package api

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// FailureKind classifies why a node channel could not be established.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureTimeout
	FailureTLS
	FailureRefused
	FailureNetwork
)

// ConnectError is returned by WaitReady. Its message is what operators see
// as the node status message.
type ConnectError struct {
	Kind    FailureKind
	Addr    string
	Timeout time.Duration
	Err     error
}

func (e *ConnectError) Error() string {
	switch e.Kind {
	case FailureTimeout:
		return fmt.Sprintf("connection timeout (%s) to %s", e.Timeout, e.Addr)
	case FailureTLS:
		return fmt.Sprintf("TLS error: %v", e.Err)
	case FailureRefused:
		return fmt.Sprintf("connection refused by %s", e.Addr)
	case FailureNetwork:
		return fmt.Sprintf("network error: %v", e.Err)
	default:
		return fmt.Sprintf("connection failed: %v", e.Err)
	}
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

type dialError struct {
	err       error
	handshake bool
}

func (d *dialError) kind() FailureKind {
	var netErr net.Error
	switch {
	case d.handshake:
		return FailureTLS
	case errors.Is(d.err, syscall.ECONNREFUSED):
		return FailureRefused
	case errors.As(d.err, &netErr) && netErr.Timeout():
		return FailureTimeout
	case errors.As(d.err, &netErr):
		return FailureNetwork
	default:
		return FailureOther
	}
}
