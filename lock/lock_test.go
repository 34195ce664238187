package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireProtoRevLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rev-lock")

	cookie, err := AcquireProtoRevLock(path)
	require.NoError(t, err)

	_, err = AcquireProtoRevLock(path)
	require.Error(t, err)
	assert.True(t, IsWouldBlock(err))

	require.NoError(t, cookie.Release())

	cookie2, err := AcquireProtoRevLock(path)
	require.NoError(t, err)
	require.NoError(t, cookie2.Release())
}

func TestAcquireWriteLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write-lock")

	c1, err := AcquireWriteLock(path)
	require.NoError(t, err)
	defer c1.Release()

	_, err = AcquireWriteLock(path)
	require.Error(t, err)
	assert.True(t, IsWouldBlock(err))
}

func TestReleaseZeroCookieIsNoop(t *testing.T) {
	var c Cookie
	assert.NoError(t, c.Release())
}

func TestIsWouldBlockDistinguishesOtherFailures(t *testing.T) {
	assert.False(t, IsWouldBlock(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
