package artifactstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockConflict(t *testing.T) {
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	src := filepath.Join(tmp, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	// holding the write lock for a key makes a concurrent put for the same
	// key fail immediately, with no retry
	lock, err := store.acquireLock("rootfs_erofs", "deadbeef")
	require.NoError(t, err)
	defer lock.release()

	_, err = store.PutFile("rootfs_erofs", "deadbeef", src, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	// a different key is unaffected
	_, err = store.PutFile("rootfs_erofs", "cafebabe", src, nil)
	assert.NoError(t, err)
}

func TestLockReleaseRemovesFile(t *testing.T) {
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	lock, err := store.acquireLock("rootfs_erofs", "deadbeef")
	require.NoError(t, err)

	lockFile := filepath.Join(store.locksDir(), "rootfs_erofs", "deadbeef.lock")
	_, err = os.Stat(lockFile)
	require.NoError(t, err)

	lock.release()
	_, err = os.Stat(lockFile)
	assert.True(t, os.IsNotExist(err))

	// reacquisition after release succeeds
	lock, err = store.acquireLock("rootfs_erofs", "deadbeef")
	require.NoError(t, err)
	lock.release()
}
