package apperrors

import "errors"

// Process-level infrastructure errors
var (
	ErrNotFound         = errors.New("not found")
	ErrStoreClosed      = errors.New("store closed")
	ErrQueueSaturated   = errors.New("persistence queue saturated")
	ErrSessionClosed    = errors.New("session closed")
	ErrAlreadyRunning   = errors.New("already running")
	ErrNotRunning       = errors.New("not running")
	ErrPoolExhausted    = errors.New("worker pool exhausted")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrDuplicateKey     = errors.New("duplicate key")
)
