// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package pki holds what the certificate pipeline shares: the error taxonomy.

Every failure of the CA store, the issuance engine, the packager and the device
registry carries a Kind, so that callers can tell user-correctable errors
(Conflict, InvalidIdentifier) from operator problems (CAUnavailable) and from
retriable ones (SigningFailure, IOFailure).
*/
package pki

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes pipeline errors
type Kind int

// all error kinds
const (
	KindUnknown Kind = iota
	// KindCAUnavailable means CA material is missing or its key is insecure and cannot be fixed
	KindCAUnavailable
	// KindConflict means a device with this identifier exists already
	KindConflict
	// KindInvalidIdentifier means the identifier failed charset, length or path checks
	KindInvalidIdentifier
	// KindSigningFailure means key generation, request construction or signing failed
	KindSigningFailure
	// KindIOFailure means a disk or permission problem while writing artifacts
	KindIOFailure
	// KindNotFound means the record or artifact does not exist
	KindNotFound
	// KindRegistryFailure means the registry could not be written after artifacts were created
	KindRegistryFailure
	// KindUnauthorized means the caller could not prove its credential
	KindUnauthorized
)

var kindNames = map[Kind]string{
	KindUnknown:           "Unknown",
	KindCAUnavailable:     "CAUnavailable",
	KindConflict:          "Conflict",
	KindInvalidIdentifier: "InvalidIdentifier",
	KindSigningFailure:    "SigningFailure",
	KindIOFailure:         "IOFailure",
	KindNotFound:          "NotFound",
	KindRegistryFailure:   "RegistryFailure",
	KindUnauthorized:      "Unauthorized",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HTTPStatus returns the HTTP status code used for errors of this kind
func (k Kind) HTTPStatus() int {
	switch k {
	case KindConflict:
		return http.StatusConflict
	case KindInvalidIdentifier:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindCAUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a pipeline error with its kind and context
type Error struct {
	Kind Kind
	// Op is the failed operation, for example "issue" or "pack"
	Op string
	// Path is the file involved, if any
	Path string
	// Message is a human readable cause
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, &pki.Error{Kind: pki.KindConflict}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Kind == e.Kind
}

// Errorf returns a new *Error without an underlying error
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new *Error around err. Path may be empty.
func Wrap(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind returns true if err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
