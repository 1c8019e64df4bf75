// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrStorage indicates an underlying persistence I/O failure.
	ErrStorage = errors.New("storage failure")

	// ErrConfiguration indicates a missing/invalid primitive or malformed input that cannot be retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidAddress indicates a malformed sender/recipient address.
	ErrInvalidAddress = fmt.Errorf("%w: invalid address", ErrConfiguration)

	// ErrClosed indicates the expiry cache was shut down while a caller was waiting.
	ErrClosed = errors.New("closed")
)

// Storage wraps a persistence error with the failed operation name.
// A nil err stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
