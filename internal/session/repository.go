package session

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/logger"
	"codeberg.org/mutker/wabot-instance/internal/protocol"
	"codeberg.org/mutker/wabot-instance/internal/sqlitedb"
)

const (
	credentialsFile = "creds.db"
	schemaVersion   = 1

	createCredentialsSQL = `
    CREATE TABLE IF NOT EXISTS credentials (
        id          INTEGER PRIMARY KEY CHECK (id = 1),
        registered  INTEGER NOT NULL CHECK (registered IN (0, 1)),
        me          TEXT NOT NULL DEFAULT '',
        blob        BLOB,
        updated_at  INTEGER NOT NULL
    )`

	upsertCredentialsSQL = `
    INSERT INTO credentials (id, registered, me, blob, updated_at)
    VALUES (1, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET
        registered = excluded.registered,
        me = excluded.me,
        blob = excluded.blob,
        updated_at = excluded.updated_at`
)

// Repository is the sqlite-backed Store. Its file lives in the session
// directory; Delete removes the directory wholesale and starts a fresh file.
type Repository struct {
	layout Layout
	log    logger.Logger

	mu sync.Mutex
	db *sql.DB
}

func NewRepository(layout Layout, log logger.Logger) (*Repository, error) {
	r := &Repository{layout: layout, log: log}
	if err := r.open(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("path", r.path()).
		Int("schema_version", schemaVersion).
		Msg("Session repository initialized")

	return r, nil
}

func (r *Repository) path() string {
	return filepath.Join(r.layout.SessionDir, credentialsFile)
}

func (r *Repository) open() error {
	errFactory := errors.New()

	db, err := sqlitedb.Open(r.path())
	if err != nil {
		return errFactory.Wrap(ErrStorageInit, err)
	}

	if err := sqlitedb.Ensure(db, sqlitedb.Schema{
		Name:      "credentials",
		Version:   schemaVersion,
		CreateSQL: createCredentialsSQL,
		Tables:    []string{"credentials"},
		BackupDir: filepath.Join(r.layout.Root, "backups"),
	}, r.log); err != nil {
		db.Close()
		return errFactory.Wrap(ErrStorageInit, err)
	}

	r.db = db
	return nil
}

func (r *Repository) Load(ctx context.Context) (protocol.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return protocol.Credentials{}, errors.New().New(ErrStoreClosed)
	}

	var (
		creds      protocol.Credentials
		registered int
	)
	err := r.db.QueryRowContext(ctx, `SELECT registered, me, blob FROM credentials WHERE id = 1`).
		Scan(&registered, &creds.Me, &creds.Blob)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Credentials{}, nil
	}
	if err != nil {
		return protocol.Credentials{}, errors.New().Wrap(ErrStorageAccess, err)
	}

	creds.Registered = registered == 1
	return creds, nil
}

func (r *Repository) Save(ctx context.Context, creds protocol.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return errors.New().New(ErrStoreClosed)
	}

	if _, err := r.db.ExecContext(ctx, upsertCredentialsSQL,
		boolToInt(creds.Registered),
		creds.Me,
		creds.Blob,
		time.Now().Unix(),
	); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// Delete closes the database, removes the session directory and reopens an
// empty store in a recreated directory.
func (r *Repository) Delete(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	errFactory := errors.New()

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.Warn().Err(err).Msg("Failed to close session database before purge")
		}
		r.db = nil
	}

	if err := r.layout.ResetSession(); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	if err := r.open(); err != nil {
		return err
	}

	r.log.Info().Str("dir", r.layout.SessionDir).Msg("Session cleared")
	return nil
}

func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		return nil
	}

	err := r.db.Close()
	r.db = nil
	if err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
