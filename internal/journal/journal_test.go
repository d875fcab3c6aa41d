package journal_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/journal"
	"codeberg.org/mutker/wabot-instance/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T, batch int) (journal.Recorder, journal.Config) {
	t.Helper()

	cfg := journal.DefaultConfig(t.TempDir())
	cfg.BatchSize = batch

	rec, err := journal.NewService(cfg, logger.Nop())
	require.NoError(t, err)

	return rec, cfg
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	rec, _ := newRecorder(t, 2)
	defer rec.Close()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	transitions := [][2]string{
		{"initializing", "connecting"},
		{"connecting", "waiting_for_pairing"},
		{"waiting_for_pairing", "pairing"},
	}
	for i, tr := range transitions {
		require.NoError(t, rec.Record(ctx, &journal.Entry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			From:      tr[0],
			To:        tr[1],
		}))
	}

	// The third entry is still buffered; Recent must include it
	entries, err := rec.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "pairing", entries[0].To)
	assert.Equal(t, "connecting", entries[2].To)
	assert.True(t, entries[2].Timestamp.Equal(base))

	entries, err = rec.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	rec, cfg := newRecorder(t, 16)

	require.NoError(t, rec.Record(ctx, &journal.Entry{
		Timestamp: time.Now(),
		From:      "connected",
		To:        "disconnected",
		Attempt:   1,
		Reason:    "connection reset",
	}))
	require.NoError(t, rec.Close())

	reopened, err := journal.NewService(cfg, logger.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempt)
	assert.Equal(t, "connection reset", entries[0].Reason)
}

func TestRecordRejectsInvalidEntry(t *testing.T) {
	rec, _ := newRecorder(t, 4)
	defer rec.Close()

	assert.Error(t, rec.Record(context.Background(), nil))
	assert.Error(t, rec.Record(context.Background(), &journal.Entry{From: "connecting"}))
}

func TestClosedRecorder(t *testing.T) {
	rec, _ := newRecorder(t, 4)
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	err := rec.Record(context.Background(), &journal.Entry{To: "connected"})
	assert.Error(t, err)
}

func TestDisabledJournal(t *testing.T) {
	rec, err := journal.NewService(journal.Config{Enabled: false}, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, rec.Record(context.Background(), &journal.Entry{To: "connected"}))
	entries, err := rec.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, rec.Close())
}

func TestConfigValidate(t *testing.T) {
	cfg := journal.DefaultConfig("/tmp/x")
	assert.Equal(t, filepath.Join("/tmp/x", "journal.db"), cfg.DBPath)
	assert.NoError(t, cfg.Validate())

	cfg.DBPath = ""
	assert.Error(t, cfg.Validate())

	cfg = journal.DefaultConfig("/tmp/x")
	cfg.BatchSize = -1
	assert.Error(t, cfg.Validate())
}
