package common

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrInvalidKey           = errors.New("invalid record key")
	ErrTransientIO          = errors.New("transient storage i/o failure")
	ErrVerificationMismatch = errors.New("cold copy failed verification")
	ErrQuarantined          = errors.New("migration quarantined after exhausting retries")
	ErrRecordTooLarge       = errors.New("record payload exceeds size limit")
	ErrCorruptObject        = errors.New("stored object is corrupt")
	ErrStoreClosed          = errors.New("store is closed")
)

// WriteError is returned by the access layer when the hot tier rejects a Put.
// Cold storage is never tried as a fallback write target.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %q to hot tier: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
