package artifactstore_test

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levitateos/distro-builder/internal/artifactstore"
)

// sha256 of the literal bytes "hello"
const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func countBlobs(t *testing.T, storeRoot string) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(filepath.Join(storeRoot, "blobs"), func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func TestFileRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	src := filepath.Join(tmp, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	sum, err := store.PutFile("rootfs_erofs", "deadbeef", src, nil)
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, sum)

	dest := filepath.Join(tmp, "out.bin")
	require.NoError(t, store.MaterializeTo("rootfs_erofs", "deadbeef", dest))
	out, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestIdempotence(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	src := filepath.Join(tmp, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	first, err := store.PutFile("rootfs_erofs", "deadbeef", src, nil)
	require.NoError(t, err)
	second, err := store.PutFile("rootfs_erofs", "deadbeef", src, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, countBlobs(t, filepath.Join(tmp, "repo", artifactstore.DefaultStoreDir)))

	entries, err := store.ListKind("rootfs_erofs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "deadbeef", entries[0].InputKey)
	assert.Equal(t, artifactstore.FormatFile, entries[0].Format)
	assert.Equal(t, uint64(5), entries[0].SizeBytes)
}

func TestDirRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	srcDir := filepath.Join(tmp, "staging")
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "boot"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "boot", "vmlinuz"), []byte("kernel"), 0755))
	require.NoError(t, os.Symlink("boot/vmlinuz", filepath.Join(srcDir, "kernel-link")))

	_, err = store.PutDirTarZst("kernel_payload", "cafebabe", srcDir, nil)
	require.NoError(t, err)

	destDir := filepath.Join(tmp, "out-staging")
	require.NoError(t, store.MaterializeTo("kernel_payload", "cafebabe", destDir))

	out, err := os.ReadFile(filepath.Join(destDir, "boot", "vmlinuz"))
	require.NoError(t, err)
	assert.Equal(t, []byte("kernel"), out)

	info, err := os.Stat(filepath.Join(destDir, "boot", "vmlinuz"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(destDir, "kernel-link"))
	require.NoError(t, err)
	assert.Equal(t, "boot/vmlinuz", target)
}

// Archiving the same tree twice must produce the same blob.
func TestDeterministicArchive(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	srcDir := filepath.Join(tmp, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "etc", "os-release"), []byte("ID=levitate\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "init"), []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.Symlink("init", filepath.Join(srcDir, "sbin-init")))

	first, err := store.PutDirTarZst("rootfs_tree", "one", srcDir, nil)
	require.NoError(t, err)
	second, err := store.PutDirTarZst("rootfs_tree", "two", srcDir, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, countBlobs(t, filepath.Join(tmp, "repo", artifactstore.DefaultStoreDir)))
}

func TestCorruptionDetection(t *testing.T) {
	tmp := t.TempDir()
	storeRoot := filepath.Join(tmp, "repo", artifactstore.DefaultStoreDir)
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	src := filepath.Join(tmp, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))
	sum, err := store.PutFile("rootfs_erofs", "deadbeef", src, nil)
	require.NoError(t, err)

	// flip the stored bytes behind the store's back
	blobPath := filepath.Join(storeRoot, "blobs", "sha256", sum[:2], sum)
	require.NoError(t, os.Chmod(blobPath, 0644))
	require.NoError(t, os.WriteFile(blobPath, []byte("jello"), 0644))

	dest := filepath.Join(tmp, "out.bin")
	err = store.MaterializeTo("rootfs_erofs", "deadbeef", dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, artifactstore.ErrIntegrity)

	// the corrupted bytes must never be materialized
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))

	err = store.Verify("rootfs_erofs", "deadbeef")
	assert.ErrorIs(t, err, artifactstore.ErrIntegrity)
}

func TestGC(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	src := filepath.Join(tmp, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))
	_, err = store.PutFile("rootfs_erofs", "deadbeef", src, nil)
	require.NoError(t, err)

	// replacing the entry's content leaves the old blob unreferenced
	require.NoError(t, os.WriteFile(src, []byte("hello v2"), 0644))
	kept, err := store.PutFile("rootfs_erofs", "deadbeef", src, nil)
	require.NoError(t, err)

	removed, err := store.GC()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// the referenced blob survived
	require.NoError(t, store.Verify("rootfs_erofs", "deadbeef"))
	entries, err := store.ListKind("rootfs_erofs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, kept, entries[0].BlobSHA256)
}

// A corrupt index entry must not block garbage collection of the rest.
func TestGCToleratesCorruptIndex(t *testing.T) {
	tmp := t.TempDir()
	storeRoot := filepath.Join(tmp, "repo", artifactstore.DefaultStoreDir)
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	src := filepath.Join(tmp, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))
	_, err = store.PutFile("rootfs_erofs", "deadbeef", src, nil)
	require.NoError(t, err)

	corrupt := filepath.Join(storeRoot, "index", "rootfs_erofs", "broken.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{"), 0644))

	_, err = store.GC()
	require.NoError(t, err)
	require.NoError(t, store.Verify("rootfs_erofs", "deadbeef"))
}

func TestPruneKeepLast(t *testing.T) {
	tmp := t.TempDir()
	storeRoot := filepath.Join(tmp, "repo", artifactstore.DefaultStoreDir)
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	// write entries with distinct timestamps directly in the documented
	// on-disk format
	kindDir := filepath.Join(storeRoot, "index", "rootfs_erofs")
	require.NoError(t, os.MkdirAll(kindDir, 0755))
	for i := 0; i < 5; i++ {
		entry := fmt.Sprintf(`{"kind":"rootfs_erofs","input_key":"key%d","blob_sha256":"%064d","format":"file","size_bytes":1,"stored_at_unix":%d,"meta":{}}`,
			i, i, 1000+i)
		require.NoError(t, os.WriteFile(filepath.Join(kindDir, fmt.Sprintf("key%d.json", i)), []byte(entry), 0644))
	}

	removed, err := store.PruneKeepLast(2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := store.ListKind("rootfs_erofs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// the two most recent by stored_at_unix remain
	assert.Equal(t, "key4", entries[0].InputKey)
	assert.Equal(t, "key3", entries[1].InputKey)

	_, err = store.PruneKeepLast(0)
	assert.Error(t, err)
}

func TestGetNotExist(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	_, err = store.Get("rootfs_erofs", "nothere")
	assert.ErrorIs(t, err, artifactstore.ErrNotExist)

	stored, err := store.Lookup("rootfs_erofs", "nothere")
	assert.NoError(t, err)
	assert.Nil(t, stored)
}

func TestKindKeyValidation(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	src := filepath.Join(tmp, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	for _, bad := range []string{"", "a/b", `a\b`, "..", "a..b"} {
		_, err := store.PutFile(bad, "key", src, nil)
		assert.Errorf(t, err, "kind %q should be rejected", bad)
		_, err = store.PutFile("kind", bad, src, nil)
		assert.Errorf(t, err, "key %q should be rejected", bad)
	}
}

func TestStatus(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	src := filepath.Join(tmp, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))
	_, err = store.PutFile("rootfs_erofs", "deadbeef", src, nil)
	require.NoError(t, err)

	status, err := store.Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), status.IndexEntries)
	assert.Equal(t, uint64(1), status.ReferencedBlobs)
	assert.Equal(t, uint64(5), status.ReferencedBytes)
}

func TestIngestFile(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	src := filepath.Join(tmp, "levitate.iso")
	require.NoError(t, os.WriteFile(src, []byte("iso-image"), 0644))

	sum, err := store.IngestFile("iso", "deadbeef", src, nil)
	require.NoError(t, err)

	// the original path still resolves to the same bytes
	out, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, []byte("iso-image"), out)

	stored, err := store.Get("iso", "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, sum, stored.Entry.BlobSHA256)
	require.NoError(t, store.Verify("iso", "deadbeef"))
}

func TestKernelPayloadRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	staging := filepath.Join(tmp, "staging")
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "boot"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "lib", "modules", "6.6.1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "boot", "vmlinuz"), []byte("kernel"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "lib", "modules", "6.6.1", "virtio.ko"), []byte("module"), 0644))

	_, err = store.PutKernelPayload("cafebabe", staging, nil)
	require.NoError(t, err)

	// restore into a staging dir that has unrelated content and a stale
	// kernel; siblings must survive, the kernel must be replaced
	restore := filepath.Join(tmp, "restore")
	require.NoError(t, os.MkdirAll(filepath.Join(restore, "boot"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(restore, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(restore, "boot", "vmlinuz"), []byte("stale"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(restore, "etc", "fstab"), []byte("# fstab"), 0644))

	require.NoError(t, store.RestoreKernelPayload("cafebabe", restore))

	out, err := os.ReadFile(filepath.Join(restore, "boot", "vmlinuz"))
	require.NoError(t, err)
	assert.Equal(t, []byte("kernel"), out)

	out, err = os.ReadFile(filepath.Join(restore, "lib", "modules", "6.6.1", "virtio.ko"))
	require.NoError(t, err)
	assert.Equal(t, []byte("module"), out)

	out, err = os.ReadFile(filepath.Join(restore, "etc", "fstab"))
	require.NoError(t, err)
	assert.Equal(t, []byte("# fstab"), out)
}

func TestKernelPayloadMissingKernel(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	staging := filepath.Join(tmp, "staging")
	require.NoError(t, os.MkdirAll(staging, 0755))

	_, err = store.PutKernelPayload("cafebabe", staging, nil)
	require.Error(t, err)
}

func TestMaterializeReplacesExistingDir(t *testing.T) {
	tmp := t.TempDir()
	store, err := artifactstore.Open(filepath.Join(tmp, "repo"))
	require.NoError(t, err)

	srcDir := filepath.Join(tmp, "tree")
	require.NoError(t, os.MkdirAll(srcDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "new"), []byte("new"), 0644))
	_, err = store.PutDirTarZst("rootfs_tree", "deadbeef", srcDir, nil)
	require.NoError(t, err)

	destDir := filepath.Join(tmp, "out")
	require.NoError(t, os.MkdirAll(destDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "old"), []byte("old"), 0644))

	require.NoError(t, store.MaterializeTo("rootfs_tree", "deadbeef", destDir))

	_, err = os.Stat(filepath.Join(destDir, "old"))
	assert.True(t, os.IsNotExist(err), "stale destination content should be gone")
	_, err = os.Stat(filepath.Join(destDir, "new"))
	assert.NoError(t, err)
}

func TestErrorsAreWrapped(t *testing.T) {
	err := fmt.Errorf("context: %w", artifactstore.ErrLocked)
	assert.True(t, errors.Is(err, artifactstore.ErrLocked))
}
