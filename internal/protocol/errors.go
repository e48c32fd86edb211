package protocol

import (
	"fmt"
	"io"
)

// ErrUnexpectedStreamEnd reports that a message or frame ended before its declared length.
// It also matches io.ErrUnexpectedEOF.
var ErrUnexpectedStreamEnd = fmt.Errorf("unexpected stream end: %w", io.ErrUnexpectedEOF)

// ProtocolError reports a malformed message: bad magic, unknown type tag,
// invalid field value or an oversized packet
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// unexpectedEnd wraps ErrUnexpectedStreamEnd with what was being read
func unexpectedEnd(what string, need, have int) error {
	return fmt.Errorf("reading %s: need %d bytes, have %d: %w", what, need, have, ErrUnexpectedStreamEnd)
}
