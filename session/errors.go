package session

import "errors"

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAbsorbed          = errors.New("session is in an absorbing state")
	ErrNotEmpty          = errors.New("conversation log is not empty")
	ErrNotIdle           = errors.New("session is not idle")
)
