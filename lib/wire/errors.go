package wire

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every ProtocolError with errors.Is
var ErrProtocol = errors.New("protocol error")

// ProtocolError reports a malformed frame. The stream it was read from is no
// longer aligned and must be closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Is makes errors.Is(err, ErrProtocol) work for every ProtocolError
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
