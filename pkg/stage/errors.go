package stage

import (
	"errors"
	"fmt"
)

// ErrObjectExists signals a put against a key that already holds an object.
// Part keys are write-once; an existing object is never silently overwritten.
var ErrObjectExists = errors.New("object already exists at key")

// WriteError is an object-store commit failure. Fatal to the run; part files
// committed before the failure remain valid.
type WriteError struct {
	Source string
	Key    string
	Part   int
	Err    error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("write error for %s at %s (part %d): %v", e.Source, e.Key, e.Part, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *WriteError) Unwrap() error {
	return e.Err
}
