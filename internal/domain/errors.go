package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update lost a race.
	ErrConflict = errors.New("conflicting update")
	// ErrOrderOutstanding is returned when an open order of the same side already exists for a bot.
	ErrOrderOutstanding = errors.New("order of this side is already outstanding for bot")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrOrderNotFoundOnExchange is returned by gateways when the exchange has no order for the given client id.
	ErrOrderNotFoundOnExchange = errors.New("order not found on exchange")
)

// ErrorClass groups failures by how the order queue must react to them.
type ErrorClass int

const (
	// ClassTransient timeouts, rate limits, network failures: retried with backoff.
	ClassTransient ErrorClass = iota
	// ClassCredential authentication or permission failures of one credential set.
	ClassCredential
	// ClassPermanent invalid instrument, size below minimum, insufficient balance: never retried.
	ClassPermanent
	// ClassConfiguration invalid bot parameters.
	ClassConfiguration
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCredential:
		return "credential"
	case ClassPermanent:
		return "permanent"
	case ClassConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// ConfigurationError reports invalid bot parameters.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid bot configuration: %s %s", e.Field, e.Reason)
}

// TransientExchangeError wraps failures that may succeed when retried later.
type TransientExchangeError struct {
	Op  string
	Err error
}

func (e *TransientExchangeError) Error() string {
	return fmt.Sprintf("%s: transient exchange error: %v", e.Op, e.Err)
}

func (e *TransientExchangeError) Unwrap() error { return e.Err }

// CredentialError wraps authentication/permission failures attributable to one credential set.
type CredentialError struct {
	CredentialID string
	Err          error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s rejected: %v", e.CredentialID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// PermanentOrderError wraps failures that will never succeed for this order.
type PermanentOrderError struct {
	Reason string
	Err    error
}

func (e *PermanentOrderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("permanent order error: %s", e.Reason)
	}
	return fmt.Sprintf("permanent order error: %s: %v", e.Reason, e.Err)
}

func (e *PermanentOrderError) Unwrap() error { return e.Err }

// NewPermanentOrderError builds a PermanentOrderError without a cause.
func NewPermanentOrderError(format string, args ...any) error {
	return &PermanentOrderError{Reason: fmt.Sprintf(format, args...)}
}

// Classify maps an error to its class. Unknown errors are treated as transient,
// so they are retried with backoff and still end up failed once attempts run out.
func Classify(err error) ErrorClass {
	var (
		confErr *ConfigurationError
		credErr *CredentialError
		permErr *PermanentOrderError
	)
	switch {
	case errors.As(err, &confErr):
		return ClassConfiguration
	case errors.As(err, &credErr):
		return ClassCredential
	case errors.As(err, &permErr):
		return ClassPermanent
	default:
		return ClassTransient
	}
}
