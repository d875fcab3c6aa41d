package journal

import "codeberg.org/mutker/wabot-instance/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("journal_invalid_db_path")

	// Storage Errors
	ErrStorageAccess     = errors.ErrorCode("journal_storage_access_failed")
	ErrStorageInit       = errors.ErrInitFailed
	ErrStorageClose      = errors.ErrShutdownFailed
	ErrTransactionFailed = errors.ErrorCode("journal_transaction_failed")

	// Collection Errors
	ErrInvalidEntry = errors.ErrorCode("journal_invalid_entry")

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
)
