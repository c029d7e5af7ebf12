package tools

import "errors"

var (
	ErrAlreadyRegistered = errors.New("tool already registered")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrDisallowed        = errors.New("tool not in allow list")
	ErrInvalidParameters = errors.New("invalid tool parameters")
	ErrHandlerFailed     = errors.New("tool handler failed")
	ErrTimeout           = errors.New("tool timed out")
)
