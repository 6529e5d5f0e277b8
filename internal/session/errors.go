package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidModel = errors.New("invalid model")
	ErrNotLoaded    = errors.New("no model loaded")
	ErrNoInput      = errors.New("no input staged")
	ErrEmptyBatch   = errors.New("empty input batch")
	ErrInvalidK     = errors.New("k must be at least 1")
	ErrNotAvailable = errors.New("no prediction recorded")
	ErrDecode       = errors.New("failed to decode input")
)

// DecodeError reports the sample that stopped a SetInputs call.
type DecodeError struct {
	Index int
	Path  string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("decode sample %d (%s): %v", e.Index, e.Path, e.Err)
	}
	return fmt.Sprintf("decode sample %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
