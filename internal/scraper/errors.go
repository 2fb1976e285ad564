package scraper

import (
	"errors"
	"fmt"
)

// ErrCancelled marks an extraction stopped by an operator.
var ErrCancelled = errors.New(CancelledMarker)

// ConfigurationError reports invalid or missing configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

// FatalManagerError reports that the manager could not build or run its task set.
type FatalManagerError struct {
	Op  string
	Err error
}

func (e *FatalManagerError) Error() string {
	return fmt.Sprintf("manager %s: %v", e.Op, e.Err)
}

func (e *FatalManagerError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
