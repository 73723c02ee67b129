package query

import (
	"errors"
	"fmt"
)

// ErrorKind classifies compile failures.
type ErrorKind int

const (
	// UnknownField: a field, property tag or type referenced by the query
	// does not exist on the target collection.
	UnknownField ErrorKind = iota + 1
	// InvalidDirectiveArgument: a directive or argument has the wrong shape
	// or value.
	InvalidDirectiveArgument
	// VariableMismatch: a referenced variable is missing from the supplied
	// variables or has the wrong shape.
	VariableMismatch
	// Syntax: the query text cannot be parsed or has no usable operation.
	Syntax
)

func (k ErrorKind) String() string {
	switch k {
	case UnknownField:
		return "UnknownField"
	case InvalidDirectiveArgument:
		return "InvalidDirectiveArgument"
	case VariableMismatch:
		return "VariableMismatch"
	case Syntax:
		return "Syntax"
	default:
		return "Unknown"
	}
}

// CompileError is returned for any query that cannot be turned into a plan.
type CompileError struct {
	Kind    ErrorKind
	Message string
	Line    int
	Column  int
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d, column %d)", e.Kind, e.Message, e.Line, e.Column)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is makes errors.Is match on kind, so callers can test against the
// Err* values below.
func (e *CompileError) Is(target error) bool {
	var t *CompileError
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Kind-only errors for use with errors.Is.
var (
	ErrUnknownField             = &CompileError{Kind: UnknownField}
	ErrInvalidDirectiveArgument = &CompileError{Kind: InvalidDirectiveArgument}
	ErrVariableMismatch         = &CompileError{Kind: VariableMismatch}
	ErrSyntax                   = &CompileError{Kind: Syntax}
)

// KindOf returns the kind of a compile error anywhere in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
