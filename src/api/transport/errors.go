package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection classifies every socket-level fault: dial failures,
	// write errors and reads that end before the declared length.
	ErrConnection = errors.New("transport: connection fault")
	// ErrSourceShort means a local source ended before the size that was
	// already announced on the wire. It is a caller error, not a socket fault.
	ErrSourceShort = errors.New("transport: source ended before declared size")
)

// ConnError is a socket fault during Op.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// SinkError is a local write failure while draining inbound bytes. The
// inbound bytes were still consumed, so the stream stays framed.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("transport: sink: %v", e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// SourceError is a local read failure while streaming outbound bytes.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("transport: source: %v", e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
