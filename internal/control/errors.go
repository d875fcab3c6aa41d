package control

import "codeberg.org/mutker/wabot-instance/internal/errors"

const (
	ErrListen   = errors.ErrorCode("control_listen_failed")
	ErrShutdown = errors.ErrShutdownFailed
	ErrPanic    = errors.ErrorCode("control_handler_panic")
)
