package protocol

import (
	"errors"
	"fmt"
)

// Failure kinds. Every typed error below matches exactly one of these with
// errors.Is, so callers can branch on the kind without inspecting messages.
var (
	ErrTransport           = errors.New("protocol: transport failure")
	ErrProtocolUsage       = errors.New("protocol: usage error")
	ErrRemoteFailure       = errors.New("protocol: remote failure")
	ErrConcurrencyConflict = errors.New("protocol: concurrency conflict")
	ErrEncoding            = errors.New("protocol: encoding error")
)

// TransportError is a socket-level failure: connect refused, read timeout,
// reset stream. The connection that produced it is no longer usable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("protocol: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// UsageError flags an integration defect such as reading past the status
// tokens of a response or receiving an unknown status token.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return "protocol: usage: " + e.Msg
}

func (e *UsageError) Is(target error) bool { return target == ErrProtocolUsage }

// RemoteError carries the message of an `error` status verbatim.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "protocol: remote: " + e.Message
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteFailure }

// ConflictError carries the payload of a `concurrency` status verbatim.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return "protocol: concurrency conflict: " + e.Detail
}

func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// EncodingError reports malformed payload: unknown value tag, truncated
// block, a token that does not parse as the expected type.
type EncodingError struct {
	Msg string
	Err error
}

func (e *EncodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: encoding: %s: %v", e.Msg, e.Err)
	}
	return "protocol: encoding: " + e.Msg
}

func (e *EncodingError) Unwrap() error { return e.Err }

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

func Transport(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func Usagef(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

func Encodingf(format string, args ...any) error {
	return &EncodingError{Msg: fmt.Sprintf(format, args...)}
}

func WrapEncoding(msg string, err error) error {
	return &EncodingError{Msg: msg, Err: err}
}

// Conflictf builds the conflict a server reports for a stale version.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Detail: fmt.Sprintf(format, args...)}
}

// Fatal reports whether err leaves the connection unusable. Remote failures
// and conflicts are request-scoped; everything else aborts the dialogue.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrProtocolUsage) || errors.Is(err, ErrEncoding)
}
