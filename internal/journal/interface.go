package journal

import (
	"context"
	"time"
)

// Recorder stores lifecycle transitions of one instance.
type Recorder interface {
	Record(ctx context.Context, entry *Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Entry is one committed state transition.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason,omitempty"`
}
