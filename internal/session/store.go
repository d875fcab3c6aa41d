// Package session persists one instance's credential material and owns the
// instance directory layout.
package session

import (
	"context"

	"codeberg.org/mutker/wabot-instance/internal/protocol"
)

// Store is the durable credential store of a single instance. The
// supervisor is its only writer.
type Store interface {
	// Load returns the stored credentials, or the zero value if none.
	Load(ctx context.Context) (protocol.Credentials, error)
	// Save replaces the stored credentials.
	Save(ctx context.Context, creds protocol.Credentials) error
	// Delete removes all credential material.
	Delete(ctx context.Context) error
	Close() error
}
