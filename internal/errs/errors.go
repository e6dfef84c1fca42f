// Package errs defines the error taxonomy shared by the persistence runtime.
//
// Every failure the runtime reports to a caller is an *Error carrying a Code.
// Callers inspect errors with errors.Is against the exported sentinels, or
// with CodeOf:
//
//	if errors.Is(err, errs.ErrNotPersistent) {
//	    // object was never inserted, or has been unloaded
//	}
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes runtime errors.
type Code string

const (
	// CodeDuplicateInsert indicates insert was called on an already persistent root.
	CodeDuplicateInsert Code = "DUPLICATE_INSERT"

	// CodeNotPersistent indicates update/erase on a transient object, or a
	// load of an OID the storage does not know.
	CodeNotPersistent Code = "NOT_PERSISTENT"

	// CodeSchemaMismatch indicates an object's class is absent from the schema,
	// or storage and schema disagree.
	CodeSchemaMismatch Code = "SCHEMA_MISMATCH"

	// CodeQueryCompile indicates a filter references a field or class that is
	// not reachable from its remotes, or contains an ill-typed comparison.
	CodeQueryCompile Code = "QUERY_COMPILE"

	// CodeTransactionMisuse indicates commit or rollback with no open transaction.
	CodeTransactionMisuse Code = "TRANSACTION_MISUSE"

	// CodeBackend wraps a failure reported by the database driver.
	CodeBackend Code = "BACKEND"
)

// Sentinels for errors.Is. Only the Code is compared.
var (
	ErrDuplicateInsert   = &Error{Code: CodeDuplicateInsert}
	ErrNotPersistent     = &Error{Code: CodeNotPersistent}
	ErrSchemaMismatch    = &Error{Code: CodeSchemaMismatch}
	ErrQueryCompile      = &Error{Code: CodeQueryCompile}
	ErrTransactionMisuse = &Error{Code: CodeTransactionMisuse}
	ErrBackend           = &Error{Code: CodeBackend}
)

// Error is the structured error returned by the runtime.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// OID identifies the affected object, zero when not applicable.
	OID int64

	// Class names the affected class, empty when not applicable.
	Class string

	// Err is the underlying cause (driver error for CodeBackend).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	switch {
	case e.Class != "" && e.OID != 0:
		msg += fmt.Sprintf(" (class=%s, oid=%d)", e.Class, e.OID)
	case e.Class != "":
		msg += fmt.Sprintf(" (class=%s)", e.Class)
	case e.OID != 0:
		msg += fmt.Sprintf(" (oid=%d)", e.OID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// DuplicateInsert creates an error for insert on a persistent root.
func DuplicateInsert(class string, oid int64) *Error {
	return &Error{
		Code:    CodeDuplicateInsert,
		Message: "object is already persistent",
		Class:   class,
		OID:     oid,
	}
}

// NotPersistent creates an error for an operation that needs a persistent object.
func NotPersistent(class string, oid int64, format string, args ...any) *Error {
	return &Error{
		Code:    CodeNotPersistent,
		Message: fmt.Sprintf(format, args...),
		Class:   class,
		OID:     oid,
	}
}

// SchemaMismatch creates a schema error.
func SchemaMismatch(class, format string, args ...any) *Error {
	return &Error{
		Code:    CodeSchemaMismatch,
		Message: fmt.Sprintf(format, args...),
		Class:   class,
	}
}

// QueryCompile creates a filter compilation error.
func QueryCompile(format string, args ...any) *Error {
	return &Error{
		Code:    CodeQueryCompile,
		Message: fmt.Sprintf(format, args...),
	}
}

// TransactionMisuse creates an error for an unbalanced transaction call.
func TransactionMisuse(format string, args ...any) *Error {
	return &Error{
		Code:    CodeTransactionMisuse,
		Message: fmt.Sprintf(format, args...),
	}
}

// Backend wraps a driver error with the operation that failed.
// Returns nil when err is nil so call sites can wrap unconditionally.
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    CodeBackend,
		Message: op,
		Err:     err,
	}
}
