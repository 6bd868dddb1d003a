package artifactstore

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Archives must be byte-for-byte reproducible for the same input tree, so
// traversal and encoding are decoupled: traversal yields a sorted sequence
// of entries with a normalized relative path, and the writer zeroes all
// non-deterministic header fields (mtime, uid, gid).

type entryKind int

const (
	entryDir entryKind = iota
	entryFile
	entrySymlink
)

type archiveEntry struct {
	RelPath    string
	Kind       entryKind
	Mode       int64
	Size       int64
	LinkTarget string
	// SourcePath is the absolute path the entry's content is read from.
	SourcePath string
}

type archiveWriter interface {
	WriteEntry(entry archiveEntry, content io.Reader) error
	Close() error
}

// collectArchiveEntries walks dir (not following symlinks) and returns its
// entries sorted by slash-relative path.
func collectArchiveEntries(dir string) ([]archiveEntry, error) {
	var entries []archiveEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		info, err := os.Lstat(path)
		if err != nil {
			return err
		}

		entry := archiveEntry{
			RelPath:    filepath.ToSlash(rel),
			Mode:       tarMode(info.Mode()),
			SourcePath: path,
		}
		switch {
		case info.IsDir():
			entry.Kind = entryDir
		case info.Mode()&os.ModeSymlink != 0:
			entry.Kind = entrySymlink
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entry.LinkTarget = target
		case info.Mode().IsRegular():
			entry.Kind = entryFile
			entry.Size = info.Size()
		default:
			return fmt.Errorf("unsupported file type in archive source: %s", path)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelPath < entries[j].RelPath
	})
	return entries, nil
}

func tarMode(mode os.FileMode) int64 {
	m := int64(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		m |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		m |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		m |= 0o1000
	}
	return m
}

// tarZstWriter encodes archive entries as a GNU tar stream compressed with
// zstd at a fixed level.
type tarZstWriter struct {
	tw  *tar.Writer
	enc *zstd.Encoder
}

func newTarZstWriter(w io.Writer) (*tarZstWriter, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &tarZstWriter{tw: tar.NewWriter(enc), enc: enc}, nil
}

func (w *tarZstWriter) WriteEntry(entry archiveEntry, content io.Reader) error {
	hdr := &tar.Header{
		Format:  tar.FormatGNU,
		Name:    entry.RelPath,
		Mode:    entry.Mode,
		ModTime: time.Unix(0, 0),
		Uid:     0,
		Gid:     0,
	}
	switch entry.Kind {
	case entryDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case entrySymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = entry.LinkTarget
	case entryFile:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = entry.Size
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if entry.Kind == entryFile && content != nil {
		if _, err := io.Copy(w.tw, content); err != nil {
			return err
		}
	}
	return nil
}

func (w *tarZstWriter) Close() error {
	if err := w.tw.Close(); err != nil {
		return err
	}
	return w.enc.Close()
}

// createTarZst writes a deterministic tar.zst of srcDir to outPath.
func createTarZst(srcDir, outPath string) error {
	entries, err := collectArchiveEntries(srcDir)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("error creating %s: %v", outPath, err)
	}
	defer out.Close()

	var w archiveWriter
	w, err = newTarZstWriter(out)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		var content io.ReadCloser
		if entry.Kind == entryFile {
			content, err = os.Open(entry.SourcePath)
			if err != nil {
				return err
			}
		}
		err = w.WriteEntry(entry, content)
		if content != nil {
			content.Close()
		}
		if err != nil {
			return fmt.Errorf("error archiving %s: %v", entry.RelPath, err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return out.Close()
}

// extractTarZst unpacks a tar.zst blob into destDir, which must exist.
func extractTarZst(blobPath, destDir string) error {
	f, err := os.Open(blobPath)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading archive %s: %v", blobPath, err)
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
			return fmt.Errorf("archive %s contains unsafe path %q", blobPath, hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm); err != nil {
				return err
			}
			if err := os.Chmod(target, os.FileMode(hdr.Mode)&os.ModePerm); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if _, err := os.Lstat(target); err == nil {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("error extracting %s: %v", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("archive %s contains unsupported entry type %d for %q", blobPath, hdr.Typeflag, hdr.Name)
		}
	}
	return nil
}
