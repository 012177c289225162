// Package fabriterr defines the stable error-kind taxonomy shared by every
// component of the coordination fabric.
package fabriterr

import "fmt"

// Kind is a stable, machine-readable error classification. Strings are for
// diagnostics only — callers should branch on Kind, never on Error().
type Kind string

const (
	NotFound             Kind = "not-found"
	TierViolation        Kind = "tier-violation"
	SandboxViolation     Kind = "sandbox-violation"
	SchemaMismatch       Kind = "schema-mismatch"
	StateViolation       Kind = "state-violation"
	DeliveryFailed       Kind = "delivery-failed"
	DuplicateRegistration Kind = "duplicate-registration"
)

// Error is the structured error value every component returns for expected
// failure modes. It carries a Kind plus optional fields used by callers that
// need more than the message (e.g. a router reporting the tiers involved).
type Error struct {
	Kind    Kind
	Message string

	SourceTier string
	TargetTier string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a plain *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// TierViolationErr builds a tier-violation error carrying the offending tiers.
func TierViolationErr(src, tgt string, format string, args ...any) *Error {
	return &Error{
		Kind:       TierViolation,
		Message:    fmt.Sprintf(format, args...),
		SourceTier: src,
		TargetTier: tgt,
	}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if e, ok := err.(*Error); ok {
		fe = e
	} else if e, ok := asError(err); ok {
		fe = e
	}
	return fe != nil && fe.Kind == kind
}

func asError(err error) (*Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
