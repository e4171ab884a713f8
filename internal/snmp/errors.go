package snmp

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by queries issued after Close.
var ErrSessionClosed = errors.New("snmp: session closed")

// TransportError reports that a session could not be established. It is
// fatal to the session: callers recreate the session, not the query.
type TransportError struct {
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("snmp: open session to %s: %v", e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorKind classifies a failed scalar query.
type ErrorKind int

const (
	// KindTimeout means no reply arrived within every attempt.
	KindTimeout ErrorKind = iota + 1
	// KindEmptyResponse means a reply arrived without a usable value.
	KindEmptyResponse
	// KindTransportFailure means sending or receiving failed outright.
	KindTransportFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindEmptyResponse:
		return "empty_response"
	case KindTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// QueryError is the typed failure of one scalar GET.
type QueryError struct {
	Kind     ErrorKind
	OID      string
	Attempts int
	Err      error
}

func (e *QueryError) Error() string {
	msg := fmt.Sprintf("snmp get %s: %s after %d attempt(s)", e.OID, e.Kind, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *QueryError) Unwrap() error { return e.Err }

// KindOf returns the kind carried by err, or 0 when err is not a QueryError.
func KindOf(err error) ErrorKind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return 0
}
