package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindConfiguration           ErrorKind = "ConfigurationError"
	KindEvaluationTimeout       ErrorKind = "EvaluationTimeout"
	KindApprovalConflict        ErrorKind = "ApprovalConflict"
	KindRedactionSchemaMismatch ErrorKind = "RedactionSchemaMismatch"
	KindAuditUnavailable        ErrorKind = "AuditUnavailable"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrConfiguration           = &Error{Kind: KindConfiguration}
	ErrEvaluationTimeout       = &Error{Kind: KindEvaluationTimeout}
	ErrApprovalConflict        = &Error{Kind: KindApprovalConflict}
	ErrRedactionSchemaMismatch = &Error{Kind: KindRedactionSchemaMismatch}
	ErrAuditUnavailable        = &Error{Kind: KindAuditUnavailable}
)

// Error is a classified engine error. Op names the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and operation.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

type errorJSON struct {
	Kind    ErrorKind `json:"kind"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := errorJSON{Kind: e.Kind, Op: e.Op}
	if e.Err != nil {
		out.Message = e.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(b []byte) error {
	var in errorJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	e.Kind, e.Op = in.Kind, in.Op
	if in.Message != "" {
		e.Err = errors.New(in.Message)
	}
	return nil
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
