package domain

import (
	"errors"
	"strings"
)

// Kind classifies failures so callers can decide whether a retry with a
// different file or target makes sense. A Kind is itself an error so that
// errors.Is(err, KindUnreachable) works on wrapped values.
type Kind string

const (
	KindFile              Kind = "FILE_ERROR"
	KindBind              Kind = "BIND_ERROR"
	KindAddressResolution Kind = "ADDRESS_RESOLUTION_ERROR"
	KindDiscovery         Kind = "DISCOVERY_ERROR"
	KindUnreachable       Kind = "UNREACHABLE"
	KindRejected          Kind = "REJECTED"
	KindTargetNotFound    Kind = "TARGET_NOT_FOUND"
	KindInvalidRequest    Kind = "INVALID_REQUEST"
	KindShuttingDown      Kind = "SHUTTING_DOWN"
)

func (k Kind) Error() string {
	return string(k)
}

type Error struct {
	Kind   Kind
	Op     string
	Target string
	File   string
	Err    error
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) WithTarget(t Target) *Error {
	if e != nil {
		e.Target = t.Label()
	}
	return e
}

func (e *Error) WithFile(path string) *Error {
	if e != nil {
		e.File = path
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	switch {
	case e.Target != "" && e.File != "":
		b.WriteString(" " + e.File + " on " + e.Target)
	case e.Target != "":
		b.WriteString(" " + e.Target)
	case e.File != "":
		b.WriteString(" " + e.File)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e != nil && e.Kind == k
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var dErr *Error
	if errors.As(err, &dErr) && dErr != nil {
		return dErr.Kind
	}
	return ""
}
