package domain

import (
	"errors"
	"fmt"
	"time"
)

// rawExcerptLimit bounds how much raw transport output is attached to a
// parse error for diagnosis.
const rawExcerptLimit = 512

var (
	// ErrUnsupported marks an operation the active transport cannot
	// perform at all (for example seek on the event-driven transport, or
	// a command with no mapping).
	ErrUnsupported = errors.New("UNSUPPORTED_OPERATION")

	// ErrNoSession marks a pairing action with no corresponding live
	// pairing process.
	ErrNoSession = errors.New("NO_ACTIVE_SESSION")

	// ErrReconnectExhausted marks the terminal give-up after the
	// reconnect-attempt ceiling; it is logged, never retried.
	ErrReconnectExhausted = errors.New("MAX_RECONNECT_ATTEMPTS_EXCEEDED")
)

// ExecError reports a transport subprocess that could not run or exited
// non-zero.
type ExecError struct {
	Message string
	Stderr  string
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return "TRANSPORT_EXEC_ERROR: " + e.Message
	}
	return fmt.Sprintf("TRANSPORT_EXEC_ERROR: %s: %s", e.Message, e.Stderr)
}

// ParseError reports malformed structured output from a transport. Raw
// holds a bounded prefix of the offending output.
type ParseError struct {
	Message string
	Raw     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("TRANSPORT_PARSE_ERROR: %s: %q", e.Message, e.Raw)
}

// NewParseError builds a ParseError with the raw excerpt bounded.
func NewParseError(message string, raw []byte) *ParseError {
	return &ParseError{Message: message, Raw: BoundedExcerpt(raw)}
}

// LogicError reports well-formed transport output that signals a remote
// failure.
type LogicError struct {
	Message string
}

func (e *LogicError) Error() string {
	return "TRANSPORT_LOGIC_ERROR: " + e.Message
}

// TimeoutError reports a bounded wait that was exceeded.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("TIMEOUT: %s exceeded %s", e.Op, e.Limit)
}

// BoundedExcerpt trims raw output to the diagnostic excerpt limit.
func BoundedExcerpt(raw []byte) string {
	if len(raw) > rawExcerptLimit {
		raw = raw[:rawExcerptLimit]
	}
	return string(raw)
}
