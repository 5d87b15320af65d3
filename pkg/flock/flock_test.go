package flock_test

import (
	"path/filepath"
	"testing"

	"github.com/bt/teslausb-radxa-zero/pkg/flock"
	"github.com/stretchr/testify/require"
)

// flock(2) locks conflict between separate open file descriptions even
// within one process, so a second `Open()` of the same path stands in for
// a second daemon instance.
func TestTryLockNowExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	first, err := flock.Open(path)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.TryLockNow())

	second, err := flock.Open(path)
	require.NoError(t, err)
	defer second.Close()
	require.Equal(t, flock.ErrAlreadyLocked, second.TryLockNow())

	require.NoError(t, first.Unlock())
	require.NoError(t, second.TryLockNow())
}

func TestOpenCreatesLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	lk, err := flock.Open(path)
	require.NoError(t, err)
	defer lk.Close()
	require.NoError(t, lk.TryLockNow())
	require.NoError(t, lk.Unlock())
}
