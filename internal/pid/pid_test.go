package pid_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, pid.Write(dir))

	data, err := os.ReadFile(filepath.Join(dir, "instance.pid"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	// Rewriting our own pid is allowed
	require.NoError(t, pid.Write(dir))

	require.NoError(t, pid.Remove(dir))
	assert.NoFileExists(t, filepath.Join(dir, "instance.pid"))
	require.NoError(t, pid.Remove(dir), "removing a missing pid file is not an error")
}

func TestWriteRefusesLiveProcess(t *testing.T) {
	dir := t.TempDir()

	// The parent of the test binary is alive for the duration of the test
	parent := os.Getppid()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instance.pid"), []byte(strconv.Itoa(parent)), 0o600))

	err := pid.Write(dir)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestWriteReplacesStaleFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "instance.pid"), []byte("not-a-pid"), 0o600))

	require.NoError(t, pid.Write(dir))
}
