package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedProvider means resolution could not determine a mandatory
	// transport endpoint for the username's domain.
	ErrUnsupportedProvider = errors.New("unsupported mail provider")

	// ErrInvalidConfig means the merged configuration is contradictory or
	// carries values of the wrong type.
	ErrInvalidConfig = errors.New("invalid mail configuration")
)

// UnsupportedProviderError reports the domain and the field that could not be
// resolved.
type UnsupportedProviderError struct {
	Domain string
	Field  string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("%s: no %s known for domain %q, supply it explicitly", ErrUnsupportedProvider, e.Field, e.Domain)
}

func (e *UnsupportedProviderError) Is(target error) bool {
	return target == ErrUnsupportedProvider
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrInvalidConfig, e.Reason)
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
