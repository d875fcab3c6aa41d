package session

import "codeberg.org/mutker/wabot-instance/internal/errors"

const (
	ErrStorageInit   = errors.ErrorCode("session_storage_init_failed")
	ErrStorageAccess = errors.ErrorCode("session_storage_access_failed")
	ErrStorageClose  = errors.ErrorCode("session_storage_close_failed")
	ErrLayout        = errors.ErrorCode("session_layout_failed")
	ErrStoreClosed   = errors.ErrorCode("session_store_closed")
)
