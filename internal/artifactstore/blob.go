package artifactstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const hashBufferSize = 1024 * 1024

// sha256File stream-hashes a file, returning the hex digest and size.
func sha256File(path string) (string, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("error opening %s: %v", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, hashBufferSize)
	size, err := io.CopyBuffer(hasher, f, buf)
	if err != nil {
		return "", 0, fmt.Errorf("error hashing %s: %v", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), uint64(size), nil
}

// tmpName returns a unique name for a scratch file or directory under tmp/.
func tmpName(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// atomicRename moves a temporary file into its canonical location. Within
// the store both live on the same filesystem; the copy+remove fallback only
// triggers for cross-device destinations.
func atomicRename(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFilePreserveMode(src, dst); err != nil {
		return fmt.Errorf("error copying %s to %s: %v", src, dst, err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("error removing temporary file %s: %v", src, err)
	}
	return nil
}

func copyFilePreserveMode(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// hardlinkOrCopy links dst to src, falling back to a plain copy when
// hardlinking fails (e.g. cross-device).
func hardlinkOrCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("error removing existing %s: %v", dst, err)
		}
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFilePreserveMode(src, dst)
}

// materializeFile places a blob's bytes at dest: hardlink fast path,
// copy + atomic rename fallback.
func materializeFile(blobPath, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if _, err := os.Lstat(dest); err == nil {
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("error removing existing %s: %v", dest, err)
		}
	}
	if err := os.Link(blobPath, dest); err == nil {
		return nil
	}

	tmp := dest + ".tmp"
	if err := copyFilePreserveMode(blobPath, tmp); err != nil {
		return fmt.Errorf("error copying blob %s to %s: %v", blobPath, tmp, err)
	}
	return atomicRename(tmp, dest)
}

// copyDirRecursive copies a tree preserving symlinks and permissions. Used
// for assembling payload scratch directories; producer-plan tree merges go
// through rsync instead.
func copyDirRecursive(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := os.Lstat(path)
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if _, err := os.Lstat(target); err == nil {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			return os.Symlink(linkTarget, target)
		case info.Mode().IsRegular():
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			return copyFilePreserveMode(path, target)
		default:
			// sockets, fifos and devices are not expected in payloads
			return nil
		}
	})
}
