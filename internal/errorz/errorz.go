// Package errorz classifies failures the way the rest of the pipeline needs
// to react to them: a Kind the HTTP layer (out of scope here) can turn into
// a Matrix error code, and a wrapped cause for logs.
package errorz

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is the error taxonomy of spec.md §7. It deliberately mirrors the
// table there rather than HTTP status codes, since more than one Kind can
// map to the same status.
type Kind int

const (
	// KindBadRequest covers malformed client input: InvalidParam, BadJson,
	// MissingParam, NotJson in the spec's sub-taxonomy.
	KindBadRequest Kind = iota
	// KindForbidden covers auth failures: Forbidden, Unauthorized,
	// UnknownToken, MissingToken.
	KindForbidden
	// KindNotFound covers NotFound/Unrecognized.
	KindNotFound
	// KindPolicyRefusal covers UnsupportedRoomVersion, Exclusive, TooLarge.
	KindPolicyRefusal
	// KindUIAA signals a multi-stage auth challenge is required.
	KindUIAA
	// KindBadServerResponse means a remote peer returned invalid data;
	// callers should back off via internal/ratelimit and retry later.
	KindBadServerResponse
	// KindFederation wraps a structured error a remote peer returned.
	KindFederation
	// KindBadDatabase means a storage invariant was violated; fatal to the
	// request that observed it, logged loudly.
	KindBadDatabase
	// KindBadConfig is fatal to the process at startup.
	KindBadConfig
	// KindConflict means an alias or room-id is already in use.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindPolicyRefusal:
		return "policy_refusal"
	case KindUIAA:
		return "uiaa"
	case KindBadServerResponse:
		return "bad_server_response"
	case KindFederation:
		return "federation"
	case KindBadDatabase:
		return "bad_database"
	case KindBadConfig:
		return "bad_config"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified, cause-carrying error. It is never returned bare —
// always via one of the New* constructors below so the Kind is always set.
type Error struct {
	Kind        Kind
	Destination string // non-empty for KindFederation
	cause       error
}

func (e *Error) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Destination, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, msg string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: pkgerrors.Errorf(msg, args...)}
}

func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, cause: pkgerrors.Wrap(cause, msg)}
}

func Federation(destination string, cause error) *Error {
	return &Error{Kind: KindFederation, Destination: destination, cause: pkgerrors.WithStack(cause)}
}

// Is reports whether err is an *Error of the given Kind, unwrapping along
// the way so a federation round-trip's cause chain still classifies.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
