package payments

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration     = errors.New("gateway configuration error")
	ErrProviderTransient = errors.New("provider temporarily unavailable")
	ErrProviderDeclined  = errors.New("provider declined payment")
	ErrInvalidSignature  = errors.New("invalid callback signature")
)

// ConfigurationError covers missing or invalid credentials and key material.
// It is always raised before the provider is called.
type ConfigurationError struct {
	Method Method
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Method, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }
func (e *ConfigurationError) Unwrap() error        { return e.Err }

func configErr(m Method, reason string, err error) *ConfigurationError {
	return &ConfigurationError{Method: m, Reason: reason, Err: err}
}

type TransientError struct {
	Method Method
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Method, e.Err)
}

func (e *TransientError) Is(target error) bool { return target == ErrProviderTransient }
func (e *TransientError) Unwrap() error        { return e.Err }

type DeclinedError struct {
	Method Method
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("%s: declined: %s", e.Method, e.Reason)
}

func (e *DeclinedError) Is(target error) bool { return target == ErrProviderDeclined }
