package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Storage errors carry a TRANSIENT or FATAL tag. Callers retry only
// transient failures; the store itself retries transient write paths
// with exponential backoff before surfacing them.

// TransientError marks a storage failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient storage error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a storage failure that retrying will not fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal storage error: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is tagged transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// tag classifies a raw sqlite error. Lock contention and busy states
// are transient; everything else is fatal.
func tag(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "interrupted") {
		return &TransientError{Err: err}
	}
	return &FatalError{Err: err}
}

const (
	writeRetries   = 3
	retryBaseDelay = 50 * time.Millisecond
)

// withRetry runs fn, retrying transient failures with exponential
// backoff up to writeRetries attempts.
func withRetry(fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 0; attempt < writeRetries; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
