package jobmanager

import (
	"errors"
	"fmt"

	"github.com/nixpig/opspool/internal/auth"
	"github.com/nixpig/opspool/internal/jobmanager/output"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateToken is returned when a submit carries a command for a
	// token that is already tracked.
	ErrDuplicateToken = errors.New("token already in use")

	// ErrNotOwner is returned when a user acts on a job they do not own.
	ErrNotOwner = auth.ErrNotOwner

	// ErrInvalidToken is returned when a token isn't 16 lowercase hex
	// characters.
	ErrInvalidToken = output.ErrInvalidToken

	// ErrMissingArgument is returned when a request lacks a required field.
	ErrMissingArgument = errors.New("missing argument")

	// ErrRegistryLocked is returned by Init when another registry holds the
	// socket lock.
	ErrRegistryLocked = errors.New("registry already running")
)

// SpawnError wraps a failure to launch a job's worker.
type SpawnError struct {
	Token string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker for %s: %v", e.Token, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
