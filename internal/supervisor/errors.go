package supervisor

import "codeberg.org/mutker/wabot-instance/internal/errors"

const (
	ErrInvalidOptions  = errors.ErrInvalidConfig
	ErrAlreadyRunning  = errors.ErrAlreadyRunning
	ErrConnect         = errors.ErrConnect
	ErrPairingFailed   = errors.ErrPairingFailed
	ErrLoggedOut       = errors.ErrLoggedOut
	ErrReconnectCap    = errors.ErrReconnectCap
	ErrRegenerate      = errors.ErrorCode("regenerate_failed")
	ErrRegenTimeout    = errors.ErrTimeout
	ErrNoPhoneNumber   = errors.ErrorCode("pairing_phone_number_missing")
	ErrStreamEnded     = errors.ErrorCode("connection_stream_ended")
	ErrCredentialStore = errors.ErrorCode("credential_store_failed")
)
