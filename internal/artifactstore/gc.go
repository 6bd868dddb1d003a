package artifactstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// GC removes every blob that no index entry references. Index entries that
// cannot be read are skipped when computing the referenced set, so a single
// corrupt record cannot block cleanup. Returns the number of blobs removed.
//
// GC is not synchronized against concurrent writers; see the prune/GC
// ordering note on PruneKeepLast.
func (s *Store) GC() (int, error) {
	referenced, err := s.collectReferencedBlobs()
	if err != nil {
		return 0, err
	}

	blobsRoot := filepath.Join(s.blobsDir(), "sha256")
	removed := 0
	err = filepath.WalkDir(blobsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !isHex64(name) || referenced[name] {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("error removing unreferenced blob %s: %v", path, err)
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}

	logrus.Debugf("artifact store gc removed %d blobs", removed)
	return removed, nil
}

// PruneKeepLast removes index entries beyond the keepLast most recent ones
// per kind. Blob removal is deferred to a later GC; pruning the index first
// and collecting garbage second guarantees a blob is never deleted while an
// index entry still points at it. Returns the number of entries removed.
func (s *Store) PruneKeepLast(keepLast int) (int, error) {
	if keepLast < 1 {
		return 0, fmt.Errorf("keepLast must be >= 1, got %d", keepLast)
	}

	kinds, err := s.ListKinds()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, kind := range kinds {
		entries, err := s.ListKind(kind)
		if err != nil {
			return removed, err
		}
		for i := keepLast; i < len(entries); i++ {
			dir, err := s.kindDir(kind)
			if err != nil {
				return removed, err
			}
			path := filepath.Join(dir, entries[i].InputKey+".json")
			if err := os.Remove(path); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return removed, fmt.Errorf("error removing index entry %s: %v", path, err)
			}
			removed++
		}
	}

	logrus.Debugf("artifact store prune removed %d index entries", removed)
	return removed, nil
}

// Status aggregates store counts for observability.
type Status struct {
	Root            string
	IndexEntries    uint64
	ReferencedBlobs uint64
	ReferencedBytes uint64
}

// Status reports the number of index entries, and the count and total size
// of the blobs they reference.
func (s *Store) Status() (*Status, error) {
	referenced, err := s.collectReferencedBlobs()
	if err != nil {
		return nil, err
	}

	status := &Status{Root: s.root}
	for sha256sum := range referenced {
		path, err := s.blobPath(sha256sum)
		if err != nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		status.ReferencedBlobs++
		status.ReferencedBytes += uint64(info.Size())
	}

	err = filepath.WalkDir(s.indexDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".json" {
			status.IndexEntries++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return status, nil
}
