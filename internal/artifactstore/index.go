package artifactstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/levitateos/distro-builder/internal/jsondb"
)

// Format describes how a blob encodes its content.
type Format string

const (
	// FormatFile is a raw single-file blob.
	FormatFile Format = "file"
	// FormatTarZst is a deterministic tar archive compressed with zstd.
	FormatTarZst Format = "tar_zst"
)

// IndexEntry maps a logical cache key (kind, input key) to a
// content-addressed blob.
type IndexEntry struct {
	Kind         string                     `json:"kind"`
	InputKey     string                     `json:"input_key"`
	BlobSHA256   string                     `json:"blob_sha256"`
	Format       Format                     `json:"format"`
	SizeBytes    uint64                     `json:"size_bytes"`
	StoredAtUnix int64                      `json:"stored_at_unix"`
	Meta         map[string]json.RawMessage `json:"meta"`
}

// StoredArtifact is an index entry resolved to the blob path backing it.
type StoredArtifact struct {
	Entry    IndexEntry
	BlobPath string
}

// Kinds and input keys are used directly as filename components, so anything
// that could escape the index directory is rejected up front.

func validateKind(kind string) error {
	if kind == "" {
		return fmt.Errorf("artifact kind must not be empty")
	}
	if strings.ContainsAny(kind, `/\`) || strings.Contains(kind, "..") {
		return fmt.Errorf("artifact kind must be a safe filename segment: %q", kind)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("artifact input key must not be empty")
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("artifact input key must be a safe filename segment: %q", key)
	}
	return nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func (s *Store) writeIndex(kind, key string, entry *IndexEntry) error {
	dir, err := s.kindDir(kind)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	return jsondb.New(dir, 0644).Write(key, entry)
}

func (s *Store) readIndex(kind, key string) (*IndexEntry, bool, error) {
	dir, err := s.kindDir(kind)
	if err != nil {
		return nil, false, err
	}
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var entry IndexEntry
	exists, err := jsondb.New(dir, 0644).Read(key, &entry)
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading index %s/%s: %v", ErrIntegrity, kind, key, err)
	}
	if !exists {
		return nil, false, nil
	}
	return &entry, true, nil
}

// ListKind returns all index entries for a kind, newest first. An
// unparseable entry is a hard error here; tolerant sweeps use
// collectReferencedBlobs instead.
func (s *Store) ListKind(kind string) ([]IndexEntry, error) {
	dir, err := s.kindDir(kind)
	if err != nil {
		return nil, err
	}
	db := jsondb.New(dir, 0644)
	names, err := db.List()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]IndexEntry, 0, len(names))
	for _, name := range names {
		var entry IndexEntry
		exists, err := db.Read(name, &entry)
		if err != nil {
			return nil, fmt.Errorf("%w: reading index %s/%s: %v", ErrIntegrity, kind, name, err)
		}
		if !exists {
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StoredAtUnix > entries[j].StoredAtUnix
	})
	return entries, nil
}

// ListKinds returns the kinds present in the index, sorted.
func (s *Store) ListKinds() ([]string, error) {
	dirents, err := os.ReadDir(s.indexDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var kinds []string
	for _, ent := range dirents {
		if ent.IsDir() {
			kinds = append(kinds, ent.Name())
		}
	}
	sort.Strings(kinds)
	return kinds, nil
}

// collectReferencedBlobs gathers the digests referenced by any readable
// index entry. Unreadable or corrupt entries are skipped so that one bad
// record cannot block garbage collection of everything else.
func (s *Store) collectReferencedBlobs() (map[string]bool, error) {
	referenced := make(map[string]bool)

	kinds, err := s.ListKinds()
	if err != nil {
		return nil, err
	}
	for _, kind := range kinds {
		dir := filepath.Join(s.indexDir(), kind)
		dirents, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range dirents {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, ent.Name()))
			if err != nil {
				continue
			}
			var entry IndexEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				continue
			}
			if isHex64(entry.BlobSHA256) {
				referenced[entry.BlobSHA256] = true
			}
		}
	}
	return referenced, nil
}
