package mqtt

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Publish while the broker is unreachable.
	ErrNotConnected = errors.New("not connected to broker")
	// ErrTimeout is reported when a broker operation does not complete in time.
	ErrTimeout = errors.New("broker operation timed out")
	// ErrReconnectExhausted is reported after the last reconnect attempt fails.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrClosed is returned for operations on a disconnected handle.
	ErrClosed = errors.New("connection handle closed")
)

// TransportError describes a failed broker operation. It is delivered to the
// ErrorHandler and never through the message path.
type TransportError struct {
	Op     string // connect, subscribe, publish, connection lost, reconnect
	Broker string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mqtt %s %s: %v", e.Op, e.Broker, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorHandler receives transport errors. It is called from adapter
// goroutines and must not block for long.
type ErrorHandler func(error)
