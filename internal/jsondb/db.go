// Package jsondb implements a simple database of JSON documents, backed by
// one file per document in a single directory.
//
// Reads and writes are atomic with respect to each other: a document is
// written to a temporary file in the same directory and renamed into place,
// so a reader never observes a partially written document. The database
// itself keeps no state; concurrent writers must synchronize above this
// layer.
package jsondb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type JSONDatabase struct {
	dir  string
	perm os.FileMode
}

// New creates a JSONDatabase rooted at `dir`. Documents are created with
// permissions `perm`.
func New(dir string, perm os.FileMode) *JSONDatabase {
	return &JSONDatabase{dir, perm}
}

// Read reads the document named `name` into `document`, which must be a
// pointer to a JSON-deserializable type. Returns false if the document does
// not exist, without touching `document`. A document that exists but cannot
// be parsed is an error.
func (db *JSONDatabase) Read(name string, document interface{}) (bool, error) {
	f, err := os.Open(filepath.Join(db.dir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if document != nil {
		err = json.NewDecoder(f).Decode(document)
		if err != nil {
			return false, fmt.Errorf("error parsing %s/%s.json: %v", db.dir, name, err)
		}
	}

	return true, nil
}

// Write atomically replaces the document named `name` with the JSON
// serialization of `document`.
func (db *JSONDatabase) Write(name string, document interface{}) error {
	return writeFileAtomically(db.dir, name+".json", db.perm, func(f *os.File) error {
		return json.NewEncoder(f).Encode(document)
	})
}

// List returns the names of all documents in the database.
func (db *JSONDatabase) List() ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name, isJSON := strings.CutSuffix(entry.Name(), ".json")
		if !isJSON {
			continue
		}
		names = append(names, name)
	}

	return names, nil
}

// writeFileAtomically writes a file into `dir` via a temporary file that is
// renamed into place. On any failure the temporary file is removed and the
// named file is left untouched.
func writeFileAtomically(dir, filename string, perm os.FileMode, writer func(*os.File) error) error {
	tmpfile, err := os.CreateTemp(dir, filename+"-*.tmp")
	if err != nil {
		return err
	}

	// until committed, clean up the temporary file on all error paths
	commited := false
	defer func() {
		if !commited {
			tmpfile.Close()
			os.Remove(tmpfile.Name())
		}
	}()

	if err := writer(tmpfile); err != nil {
		return err
	}
	if err := tmpfile.Chmod(perm); err != nil {
		return err
	}
	if err := tmpfile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpfile.Name(), filepath.Join(dir, filename)); err != nil {
		return err
	}
	commited = true

	return nil
}
