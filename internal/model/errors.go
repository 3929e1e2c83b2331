package model

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrAuth          = errors.New("auth error")
	ErrNetwork       = errors.New("network error")
	ErrFormat        = errors.New("format error")
	ErrNotFound      = errors.New("not found")
)

// Error carries the kind of a failure and the operation it happened in.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// NewError wraps err with a kind and an operation name.
func NewError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
