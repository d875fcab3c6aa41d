package sqlitedb

import "codeberg.org/mutker/wabot-instance/internal/errors"

const (
	ErrOpenFailed             = errors.ErrorCode("sqlite_open_failed")
	ErrSchemaInitFailed       = errors.ErrorCode("sqlite_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("sqlite_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("sqlite_schema_migration_failed")
)
