package fleet

import "codeberg.org/mutker/wabot-instance/internal/errors"

const (
	ErrInvalidDuration = errors.ErrInvalidDuration
	ErrUnauthorized    = errors.ErrUnauthorized
	ErrBackend         = errors.ErrorCode("fleet_backend_failed")
	ErrBackendDecode   = errors.ErrorCode("fleet_backend_decode_failed")
	ErrInvalidStatus   = errors.ErrorCode("fleet_invalid_status")
)
