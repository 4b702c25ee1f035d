package stream

import (
	"errors"
	"fmt"
)

// ErrSourceClosed is returned when the output source ends before the
// invocation's finished sentinel was observed, typically because the host
// process died mid-invocation.
var ErrSourceClosed = errors.New("output source closed before invocation finished")

// DecodeError indicates a wire line that is not valid JSON.
// It fails the current invocation; the host process is not killed.
type DecodeError struct {
	Fragment string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding output line %q: %v", e.Fragment, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// UnknownStreamTagError indicates a record carrying a classifier outside the
// seven known streams. It fails the current invocation.
type UnknownStreamTagError struct {
	Tag string
}

func (e *UnknownStreamTagError) Error() string {
	return fmt.Sprintf("unknown stream tag %q", e.Tag)
}
