// Package errs defines the typed error kinds shared by every component of
// the network control plane, so that callers can branch on what failed
// with errors.As instead of matching on message text.
package errs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an Error without requiring callers to parse its message.
type Kind string

const (
	// KindParse covers a stored blob or SDN config file that cannot be
	// decoded or encoded, and a filesystem error reading or writing one.
	KindParse Kind = "parse"
	// KindInvalidValue covers a syntactically invalid field value.
	KindInvalidValue Kind = "invalid_value"
	// KindDuplicate covers a field value that must be unique but isn't.
	KindDuplicate Kind = "duplicate"
	// KindNetworkConflict covers a semantic validation conflict between
	// interfaces (overlapping CIDRs, duplicate gateways, and so on).
	KindNetworkConflict Kind = "network_conflict"
	// KindCircularDependency covers a cycle in bridge-port or SDN
	// dependency edges.
	KindCircularDependency Kind = "circular_dependency"
	// KindNotFound covers a missing zone, VNet, subnet or interface.
	KindNotFound Kind = "not_found"
	// KindHasDependents covers a delete blocked by dependent entities.
	KindHasDependents Kind = "has_dependents"
	// KindIPAlreadyAllocated covers a requested IP already in use.
	KindIPAlreadyAllocated Kind = "ip_already_allocated"
	// KindIPNotFound covers a release of an IP not currently allocated.
	KindIPNotFound Kind = "ip_not_found"
	// KindNoFreeIPs covers an exhausted allocation pool.
	KindNoFreeIPs Kind = "no_free_ips"
	// KindOutOfSubnet covers an address outside its subnet's CIDR.
	KindOutOfSubnet Kind = "out_of_subnet"
	// KindLockConflict covers a lock currently held by a live holder.
	KindLockConflict Kind = "lock_conflict"
	// KindLockStale covers a lock whose holder is gone; recovered
	// locally by the caller after logging.
	KindLockStale Kind = "lock_stale"
	// KindApplyToolFailed covers a non-zero exit from the apply tool,
	// which triggers a rollback.
	KindApplyToolFailed Kind = "apply_tool_failed"
	// KindApplyToolTimeout covers an apply tool invocation that exceeded
	// its per-operation timeout, which triggers a rollback.
	KindApplyToolTimeout Kind = "apply_tool_timeout"
	// KindVerifyMismatch covers a post-apply state that doesn't match
	// the target, which triggers a rollback.
	KindVerifyMismatch Kind = "verify_mismatch"
	// KindRollbackFailed covers a rollback that itself failed; the only
	// kind that warrants paging an operator.
	KindRollbackFailed Kind = "rollback_failed"
	// KindListenerFailures covers one or more event bus listeners
	// returning an error from a publish; the remaining listeners are
	// still invoked and Publish returns the aggregated failures as this
	// kind.
	KindListenerFailures Kind = "listener_failures"
	// KindRemoteAPIError covers a non-2xx response from the legacy
	// remote backend.
	KindRemoteAPIError Kind = "remote_api_error"
	// KindRemoteTransport covers a transport-level failure reaching the
	// legacy remote backend.
	KindRemoteTransport Kind = "remote_transport"
	// KindBothFailed covers both the native and remote handler failing
	// for the same request.
	KindBothFailed Kind = "both_failed"
	// KindFallbackDisabled covers a native failure on an endpoint where
	// fallback to the remote backend is not permitted.
	KindFallbackDisabled Kind = "fallback_disabled"
	// KindFallbackTimeout covers a native handler exceeding its
	// configured timeout before a fallback could be attempted.
	KindFallbackTimeout Kind = "fallback_timeout"
	// KindControllerFailed covers a failure actuating an SDN controller
	// (e.g. a BGP listener or peer operation).
	KindControllerFailed Kind = "controller_failed"
)

// Error is the single concrete error type used across the module. Fields
// is free-form per-kind detail (field/value, operation/stderr, and so on),
// kept as a map so each kind doesn't need its own struct while still
// letting callers log structured detail.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with no cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause, adding call-site
// context via pkg/errors. errors.Is and errors.As on the result still reach
// the original failure, as does pkgerrors.Cause(e.Cause).
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   pkgerrors.Wrap(cause, "network control plane"),
	}
}

// WithField returns a copy of e with an additional field set, used to
// attach structured detail (field name, operation, stderr output) without
// constructing a new struct type per kind.
func (e *Error) WithField(key string, value any) *Error {
	clone := *e
	clone.Fields = make(map[string]any, len(e.Fields)+1)

	for k, v := range e.Fields {
		clone.Fields[k] = v
	}

	clone.Fields[key] = value

	return &clone
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == kind
}
