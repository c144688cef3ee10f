package broker

import "errors"

// Broker errors
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRegistered = errors.New("module already registered")
	ErrShuttingDown      = errors.New("broker shutting down")
	ErrResourceExhausted = errors.New("resource exhausted")
)
