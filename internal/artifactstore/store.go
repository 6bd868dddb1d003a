// Package artifactstore implements a repo-local, content-addressed store for
// build artifacts.
//
// Blobs are immutable byte sequences addressed by their sha256 digest and
// stored under `blobs/sha256/`. A small JSON index under `index/<kind>/`
// maps a caller-chosen input key to a blob, so builds can restore missing
// outputs without rebuilding. Writers for the same (kind, input key)
// synchronize via non-blocking advisory file locks; readers never lock,
// because every blob and index write is individually atomic.
//
// This is intentionally not a package manager. It stores build outputs only.
package artifactstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultStoreDir is the store directory name at the repo root.
const DefaultStoreDir = ".artifacts"

// Store is an artifact store rooted at a single local directory.
type Store struct {
	root string
}

// Open creates (if needed) and returns the store at `<repoRoot>/.artifacts`.
func Open(repoRoot string) (*Store, error) {
	return OpenAt(filepath.Join(repoRoot, DefaultStoreDir))
}

// OpenAt creates (if needed) and returns the store rooted directly at root.
func OpenAt(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{
		filepath.Join(s.blobsDir(), "sha256"),
		s.indexDir(),
		s.tmpDir(),
		s.locksDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating store layout: %v", err)
		}
	}
	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) blobsDir() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Store) indexDir() string {
	return filepath.Join(s.root, "index")
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.root, "tmp")
}

func (s *Store) locksDir() string {
	return filepath.Join(s.root, "locks")
}

func (s *Store) kindDir(kind string) (string, error) {
	if err := validateKind(kind); err != nil {
		return "", err
	}
	return filepath.Join(s.indexDir(), kind), nil
}

func (s *Store) lockPath(kind, key string) (string, error) {
	if err := validateKind(kind); err != nil {
		return "", err
	}
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.locksDir(), kind, key+".lock"), nil
}

func (s *Store) blobPath(sha256sum string) (string, error) {
	if !isHex64(sha256sum) {
		return "", fmt.Errorf("invalid sha256: %q", sha256sum)
	}
	return filepath.Join(s.blobsDir(), "sha256", sha256sum[:2], sha256sum), nil
}

// Lookup resolves (kind, key) to a stored artifact, or nil when no index
// entry exists. Use Get when absence is an error.
func (s *Store) Lookup(kind, key string) (*StoredArtifact, error) {
	entry, exists, err := s.readIndex(kind, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	blobPath, err := s.blobPath(entry.BlobSHA256)
	if err != nil {
		return nil, err
	}
	return &StoredArtifact{Entry: *entry, BlobPath: blobPath}, nil
}

// Get resolves (kind, key) to a stored artifact. A missing index entry is
// an error wrapping ErrNotExist.
func (s *Store) Get(kind, key string) (*StoredArtifact, error) {
	stored, err := s.Lookup(kind, key)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: %s:%s", ErrNotExist, kind, key)
	}
	return stored, nil
}

// PutFile stores a single file as a blob and writes the index entry for
// (kind, key). Content already present in the store is not rewritten.
func (s *Store) PutFile(kind, key, srcFile string, meta map[string]json.RawMessage) (string, error) {
	if _, err := os.Stat(srcFile); err != nil {
		return "", fmt.Errorf("source file not found: %s", srcFile)
	}

	lock, err := s.acquireLock(kind, key)
	if err != nil {
		return "", err
	}
	defer lock.release()

	sha256sum, size, err := sha256File(srcFile)
	if err != nil {
		return "", err
	}
	blobPath, err := s.blobPath(sha256sum)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		tmp := filepath.Join(s.tmpDir(), tmpName("blob-"+sha256sum[:16]))
		if err := copyFilePreserveMode(srcFile, tmp); err != nil {
			return "", fmt.Errorf("error copying %s to %s: %v", srcFile, tmp, err)
		}
		if err := atomicRename(tmp, blobPath); err != nil {
			os.Remove(tmp)
			return "", err
		}
	}

	entry := s.newEntry(kind, key, sha256sum, FormatFile, size, srcFile, meta)
	if err := s.writeIndex(kind, key, entry); err != nil {
		return "", err
	}

	logrus.WithField("kind", kind).Debugf("stored file artifact %s (%d bytes)", key, size)
	return sha256sum, nil
}

// PutDirTarZst stores a directory as a deterministic tar.zst blob and
// writes the index entry for (kind, key).
func (s *Store) PutDirTarZst(kind, key, srcDir string, meta map[string]json.RawMessage) (string, error) {
	info, err := os.Stat(srcDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("source directory not found: %s", srcDir)
	}

	lock, err := s.acquireLock(kind, key)
	if err != nil {
		return "", err
	}
	defer lock.release()

	return s.putDirLocked(kind, key, srcDir, srcDir, meta)
}

// putDirLocked archives srcDir into the store; the caller holds the write
// lock. sourceLabel is recorded in the entry meta.
func (s *Store) putDirLocked(kind, key, srcDir, sourceLabel string, meta map[string]json.RawMessage) (string, error) {
	tmpTar := filepath.Join(s.tmpDir(), tmpName("artifact.tar.zst"))
	if err := createTarZst(srcDir, tmpTar); err != nil {
		os.Remove(tmpTar)
		return "", fmt.Errorf("error archiving %s: %v", srcDir, err)
	}

	sha256sum, size, err := sha256File(tmpTar)
	if err != nil {
		os.Remove(tmpTar)
		return "", err
	}
	blobPath, err := s.blobPath(sha256sum)
	if err != nil {
		os.Remove(tmpTar)
		return "", err
	}

	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		if err := atomicRename(tmpTar, blobPath); err != nil {
			os.Remove(tmpTar)
			return "", err
		}
	} else {
		os.Remove(tmpTar)
	}

	entry := s.newEntry(kind, key, sha256sum, FormatTarZst, size, sourceLabel, meta)
	if err := s.writeIndex(kind, key, entry); err != nil {
		return "", err
	}

	logrus.WithField("kind", kind).Debugf("stored tar.zst artifact %s (%d bytes)", key, size)
	return sha256sum, nil
}

// IngestFile moves srcFile into the blob path and hardlinks it back to its
// original location (copy fallback), so the canonical bytes live in the
// store without duplicating disk. Intended for migration workflows.
func (s *Store) IngestFile(kind, key, srcFile string, meta map[string]json.RawMessage) (string, error) {
	if _, err := os.Stat(srcFile); err != nil {
		return "", fmt.Errorf("source file not found: %s", srcFile)
	}

	lock, err := s.acquireLock(kind, key)
	if err != nil {
		return "", err
	}
	defer lock.release()

	sha256sum, size, err := sha256File(srcFile)
	if err != nil {
		return "", err
	}
	blobPath, err := s.blobPath(sha256sum)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		tmp := filepath.Join(s.tmpDir(), tmpName("adopt-"+sha256sum[:16]))
		if err := os.Rename(srcFile, tmp); err == nil {
			if err := atomicRename(tmp, blobPath); err != nil {
				return "", err
			}
		} else {
			if err := copyFilePreserveMode(srcFile, tmp); err != nil {
				return "", fmt.Errorf("error copying %s to %s: %v", srcFile, tmp, err)
			}
			if err := atomicRename(tmp, blobPath); err != nil {
				return "", err
			}
			if err := os.Remove(srcFile); err != nil {
				return "", fmt.Errorf("error removing source file %s: %v", srcFile, err)
			}
		}
	}

	if err := hardlinkOrCopy(blobPath, srcFile); err != nil {
		return "", fmt.Errorf("error linking blob back to %s: %v", srcFile, err)
	}

	entry := s.newEntry(kind, key, sha256sum, FormatFile, size, srcFile, meta)
	if err := s.writeIndex(kind, key, entry); err != nil {
		return "", err
	}
	return sha256sum, nil
}

// MaterializeTo restores the artifact for (kind, key) into dest: a file
// path for file blobs, a directory path for tar.zst blobs. The blob's hash
// is verified before anything is written.
func (s *Store) MaterializeTo(kind, key, dest string) error {
	stored, err := s.Get(kind, key)
	if err != nil {
		return err
	}
	if err := s.verifyStored(stored); err != nil {
		return err
	}

	switch stored.Entry.Format {
	case FormatFile:
		return materializeFile(stored.BlobPath, dest)
	case FormatTarZst:
		return s.materializeTarZstDir(stored.BlobPath, dest)
	default:
		return fmt.Errorf("unknown artifact format %q for %s:%s", stored.Entry.Format, kind, key)
	}
}

// Verify recomputes the blob hash for (kind, key) and compares it against
// the index entry. A mismatch is a hard error; it is never repaired.
func (s *Store) Verify(kind, key string) error {
	stored, err := s.Get(kind, key)
	if err != nil {
		return err
	}
	return s.verifyStored(stored)
}

func (s *Store) verifyStored(stored *StoredArtifact) error {
	if _, err := os.Stat(stored.BlobPath); err != nil {
		return fmt.Errorf("%w: blob %s missing for %s:%s",
			ErrNotExist, stored.Entry.BlobSHA256, stored.Entry.Kind, stored.Entry.InputKey)
	}
	actual, _, err := sha256File(stored.BlobPath)
	if err != nil {
		return err
	}
	if actual != stored.Entry.BlobSHA256 {
		return fmt.Errorf("%w: blob hash mismatch for %s:%s (expected %s, actual %s)",
			ErrIntegrity, stored.Entry.Kind, stored.Entry.InputKey, stored.Entry.BlobSHA256, actual)
	}
	return nil
}

// materializeTarZstDir extracts into a fresh sibling temp directory, then
// replaces destDir in one rename.
func (s *Store) materializeTarZstDir(blobPath, destDir string) error {
	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return err
	}

	tmp := filepath.Join(parent, tmpName(".extract"))
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return err
	}
	if err := extractTarZst(blobPath, tmp); err != nil {
		os.RemoveAll(tmp)
		return err
	}

	if err := os.RemoveAll(destDir); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("error removing existing %s: %v", destDir, err)
	}
	if err := os.Rename(tmp, destDir); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("error moving extracted directory to %s: %v", destDir, err)
	}
	return nil
}

func (s *Store) newEntry(kind, key, sha256sum string, format Format, size uint64, sourcePath string, meta map[string]json.RawMessage) *IndexEntry {
	if meta == nil {
		meta = make(map[string]json.RawMessage)
	}
	if raw, err := json.Marshal(sourcePath); err == nil {
		meta["source_path"] = raw
	}
	return &IndexEntry{
		Kind:         kind,
		InputKey:     key,
		BlobSHA256:   sha256sum,
		Format:       format,
		SizeBytes:    size,
		StoredAtUnix: time.Now().Unix(),
		Meta:         meta,
	}
}
