// Package errors provides shared error handling utilities for the tracking
// engine: consistent wrapping and structured parsing of remote API error
// responses.
package errors

import "fmt"

// WrapWithContext wraps an error with additional context information.
func WrapWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// WrapWithContextf wraps an error with formatted context information.
func WrapWithContextf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
