// Package exc names failures after the Python exceptions a model expects to
// see, so tracebacks read the same whichever backend ran the snippet.
package exc

import (
	"errors"
	"fmt"
)

// Exception kinds.
const (
	SyntaxError         = "SyntaxError"
	NameError           = "NameError"
	ZeroDivisionError   = "ZeroDivisionError"
	KeyError            = "KeyError"
	IndexError          = "IndexError"
	TypeError           = "TypeError"
	ValueError          = "ValueError"
	AttributeError      = "AttributeError"
	ModuleNotFoundError = "ModuleNotFoundError"
	PermissionError     = "PermissionError"
	NotImplementedError = "NotImplementedError"
	RuntimeError        = "RuntimeError"
	TimeoutError        = "TimeoutError"
)

// Error carries an exception kind and message.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Msg
}

// New returns an *Error with a formatted message.
func New(kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
