// Package bpfmanerrors defines the closed error-kind enumeration shared by
// every component and surfaced verbatim by the RPC frontend.
//
// Every error is a single concrete *Error carrying its Kind. Is walks
// the Unwrap chain rather than comparing sentinels, so that wrapping
// with fmt.Errorf("...: %w", err) never loses the kind.
package bpfmanerrors

import "fmt"

// Kind is the closed set of error kinds the daemon ever surfaces.
type Kind string

const (
	KindInvalidArgument        Kind = "InvalidArgument"
	KindNotFound               Kind = "NotFound"
	KindConflict               Kind = "Conflict"
	KindVerifierFailed         Kind = "VerifierFailed"
	KindDispatcherAttachFailed Kind = "DispatcherAttachFailed"
	KindImageMissing           Kind = "ImageMissing"
	KindManifestInvalid        Kind = "ManifestInvalid"
	KindSignatureInvalid       Kind = "SignatureInvalid"
	KindAuthRequired           Kind = "AuthRequired"
	KindNetworkUnavailable     Kind = "NetworkUnavailable"
	KindArchitectureUnsupported Kind = "ArchitectureUnsupported"
	KindStorageUnavailable     Kind = "StorageUnavailable"
	KindPermissionDenied       Kind = "PermissionDenied"
	KindNamespaceUnreachable   Kind = "NamespaceUnreachable"
	KindGlobalSizeMismatch     Kind = "GlobalSizeMismatch"
	KindInternal               Kind = "Internal"
)

// Error is the concrete error type carrying a Kind, a message, and
// optional context fields (program id, interface name, ...) for the
// caller to log or surface without re-parsing the message string.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]string
	Cause   error

	// VerifierLog is populated only for KindVerifierFailed.
	VerifierLog string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if asBpfmanError(err, &be) {
		return be.Kind == kind
	}
	return false
}

// asBpfmanError mirrors errors.As without importing errors twice in
// call sites that already alias it; kept local so every package doesn't
// need the extra import for this one check.
func asBpfmanError(err error, target **Error) bool {
	for err != nil {
		if be, ok := err.(*Error); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// New builds an *Error with the given kind, message and context pairs
// (must be passed as alternating key, value strings).
func New(kind Kind, message string, kv ...string) *Error {
	e := &Error{Kind: kind, Message: message}
	if len(kv) > 0 {
		e.Context = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Context[kv[i]] = kv[i+1]
		}
	}
	return e
}

// Wrap builds an *Error with the given kind and message, chaining cause.
func Wrap(kind Kind, cause error, message string, kv ...string) *Error {
	e := New(kind, message, kv...)
	e.Cause = cause
	return e
}

// WithVerifierLog attaches a kernel verifier log to a KindVerifierFailed error.
func WithVerifierLog(e *Error, log string) *Error {
	e.VerifierLog = log
	return e
}
