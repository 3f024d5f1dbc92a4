package ctrl

import "errors"

var (
	ErrLockedUp       = errors.New("controller locked up")
	ErrTimeout        = errors.New("command timed out")
	ErrInterrupted    = errors.New("wait interrupted")
	ErrPoolExhausted  = errors.New("command pool exhausted")
	ErrNoCallback     = errors.New("block has no completion callback")
	ErrNotOwner       = errors.New("block not owned by submitter")
	ErrHardwareAccess = errors.New("hardware access fault")
	ErrQuiesce        = errors.New("quiesce failed")
	ErrNotReady       = errors.New("controller not ready")
	ErrUnsupported    = errors.New("unsupported controller")
	ErrCommandFailed  = errors.New("command failed")
)
