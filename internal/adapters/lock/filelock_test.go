package lock_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/execution-v2/internal/adapters/lock"
)

func TestFileLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution_v2.lock")
	l := lock.New(path)

	require.NoError(t, l.Acquire())
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "release must remove the lock file")
}

func TestFileLock_SecondAcquireFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution_v2.lock")
	first := lock.New(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := lock.New(path)
	err := second.Acquire()
	assert.Error(t, err, "a live holder must block a second instance without waiting")
}

func TestFileLock_StaleLockIsReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution_v2.lock")

	// A PID that cannot possibly be alive simulates an unclean shutdown.
	const deadPID = 999999
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(deadPID)+"\n"), 0o644))

	l := lock.New(path)
	err := l.Acquire()
	require.NoError(t, err, "a stale lock from a dead process must be reclaimed, not treated as held")
	require.NoError(t, l.Release())
}

func TestFileLock_ReleaseWithoutAcquireIsSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution_v2.lock")
	l := lock.New(path)
	assert.NoError(t, l.Release())
}
