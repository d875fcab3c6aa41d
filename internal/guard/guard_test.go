package guard_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/guard"
	"codeberg.org/mutker/wabot-instance/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const mb = 1024 * 1024

func TestCheck(t *testing.T) {
	g := &guard.Guard{CeilingMB: 400}

	assert.NoError(t, g.Check(100*mb))
	assert.NoError(t, g.Check(400*mb))

	err := g.Check(401 * mb)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrResourceExhausted))
	assert.Contains(t, err.Error(), "401MB")

	unlimited := &guard.Guard{}
	assert.NoError(t, unlimited.Check(1<<40))
}

func TestRunExitsOnBreach(t *testing.T) {
	var exitCode atomic.Int32
	exitCode.Store(-1)

	g := &guard.Guard{
		Interval:  5 * time.Millisecond,
		CeilingMB: 400,
		Reader:    guard.ReaderFunc(func() (uint64, error) { return 512 * mb, nil }),
		Exit:      func(code int) { exitCode.Store(int32(code)) },
		Logger:    logger.Nop(),
	}

	err := g.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrResourceExhausted))
	assert.Equal(t, int32(1), exitCode.Load())
}

func TestRunWithinCeilingReclaims(t *testing.T) {
	var (
		reclaims atomic.Int32
		exited   atomic.Bool
	)

	g := &guard.Guard{
		Interval:        5 * time.Millisecond,
		CeilingMB:       400,
		ReclaimInterval: 5 * time.Millisecond,
		Reader:          guard.ReaderFunc(func() (uint64, error) { return 10 * mb, nil }),
		Exit:            func(int) { exited.Store(true) },
		Reclaim:         func() { reclaims.Add(1) },
		Logger:          logger.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return reclaims.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.False(t, exited.Load())
}

func TestProcReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statm")
	require.NoError(t, os.WriteFile(path, []byte("5000 1200 300 10 0 900 0\n"), 0o644))

	used, err := guard.ProcReader{Path: path}.UsedBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(1200*unix.Getpagesize()), used)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err = guard.ProcReader{Path: path}.UsedBytes()
	assert.Error(t, err)

	used, err = guard.ProcReader{Path: filepath.Join(t.TempDir(), "missing")}.UsedBytes()
	require.NoError(t, err)
	assert.Positive(t, used, "falls back to runtime statistics")
}
