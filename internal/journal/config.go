package journal

import (
	"path/filepath"

	"codeberg.org/mutker/wabot-instance/internal/errors"
)

const (
	journalFile         = "journal.db"
	defaultBatchSize    = 16
	defaultBatchTimeout = 5
)

type Config struct {
	DBPath       string
	BatchSize    int
	BatchTimeout int // seconds
	Enabled      bool
}

// DefaultConfig places the journal in the instance data directory.
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:       filepath.Join(dataDir, journalFile),
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Enabled:      true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if the journal is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "journal batch settings must not be negative")
	}
	return nil
}
