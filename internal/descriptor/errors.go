package descriptor

import (
	"fmt"

	"github.com/zaproxy/release-sync/internal/checksum"
)

// FormatError is returned when a descriptor cannot be read.
type FormatError struct {
	Source string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("malformed descriptor %s: %s", e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// ValidationError is returned when an entry violates the descriptor rules.
type ValidationError struct {
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return "invalid entry: " + e.Reason
	}
	return fmt.Sprintf("invalid entry %s: %s", e.ID, e.Reason)
}

// ConflictError is returned when an add-on version is already present with
// another checksum.
type ConflictError struct {
	ID       string
	Version  string
	Existing checksum.Checksum
	Incoming checksum.Checksum
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("add-on %s version %s already present with checksum %s (got %s)", e.ID, e.Version, e.Existing, e.Incoming)
}
