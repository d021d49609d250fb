package wire

import (
	"errors"
	"fmt"
)

// ProtocolErrorType classifies protocol errors
type ProtocolErrorType int

const (
	// ProtocolErrorMalformedHeader indicates a short header block or an unknown field value.
	ProtocolErrorMalformedHeader ProtocolErrorType = iota
	// ProtocolErrorFraming indicates the byte stream can no longer be split into frames.
	ProtocolErrorFraming
	// ProtocolErrorLengthMismatch indicates a payload whose received length differs from its declared length.
	ProtocolErrorLengthMismatch
	// ProtocolErrorDisconnected indicates the connection is gone.
	ProtocolErrorDisconnected
	// ProtocolErrorEnvelopeParse indicates a request or response envelope that is not valid JSON for its shape.
	ProtocolErrorEnvelopeParse
)

// ProtocolError represents errors raised by the framing and assembly layers.
type ProtocolError struct {
	Type    ProtocolErrorType
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	var prefix string
	switch e.Type {
	case ProtocolErrorMalformedHeader:
		prefix = "malformed header"
	case ProtocolErrorFraming:
		prefix = "protocol framing error"
	case ProtocolErrorLengthMismatch:
		prefix = "payload length mismatch"
	case ProtocolErrorDisconnected:
		prefix = "disconnected"
	case ProtocolErrorEnvelopeParse:
		prefix = "envelope parse error"
	default:
		prefix = "protocol error"
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return prefix
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDisconnected) match any disconnect error.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrDisconnected && e.Type == ProtocolErrorDisconnected
}

// ErrDisconnected is returned by every send after the connection went away
// and used to fail requests that were still pending at that moment.
var ErrDisconnected = errors.New("transport disconnected")

// NewDisconnectedError wraps the reason a connection was dropped.
func NewDisconnectedError(reason error) error {
	return &ProtocolError{Type: ProtocolErrorDisconnected, Err: reason}
}

// NewFramingError wraps a failure to read a complete frame.
func NewFramingError(message string, err error) error {
	return &ProtocolError{Type: ProtocolErrorFraming, Message: message, Err: err}
}

// hasType walks the chain, so a disconnect caused by a framing error is
// still reported as one.
func hasType(err error, t ProtocolErrorType) bool {
	for err != nil {
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			return false
		}
		if protoErr.Type == t {
			return true
		}
		err = protoErr.Err
	}
	return false
}

// IsMalformedHeader returns true if err came from decoding a bad header block.
func IsMalformedHeader(err error) bool {
	return hasType(err, ProtocolErrorMalformedHeader)
}

// IsFramingError returns true for malformed headers and truncated frames.
// Either one leaves the connection unusable.
func IsFramingError(err error) bool {
	return hasType(err, ProtocolErrorFraming) || hasType(err, ProtocolErrorMalformedHeader)
}

// IsDisconnected returns true if err reports a lost connection.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

// IsEnvelopeParseError returns true if err came from decoding an envelope.
func IsEnvelopeParseError(err error) bool {
	return hasType(err, ProtocolErrorEnvelopeParse)
}
