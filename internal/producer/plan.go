// Package producer composes stage root filesystems from a small set of
// declarative primitives.
//
// A plan names an optional source rootfs (usually the extracted image of
// the parent stage's cached output) and an ordered list of producers that
// copy trees, symlinks, and files out of it or write literal content.
// Producers apply strictly in order; later producers may overwrite the
// results of earlier ones. There is no rollback: the destination is a
// fresh, single-use run directory, so a partially applied plan is simply
// discarded with the failed run.
package producer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Plan is the input to Apply. It is constructed per stage invocation and
// never persisted; what gets cached is its effect on the destination tree.
type Plan struct {
	SourceRootfsDir string
	Producers       []Producer
}

// Producer is one primitive rootfs-construction operation.
type Producer interface {
	name() string
	needsSource() bool
	apply(ctx *applyContext) error
}

// applyContext carries the per-invocation settings producers need.
type applyContext struct {
	sourceRoot string
	destRoot   string
	rsyncPath  string
}

// CopyTree merges the subtree at Source (relative to the plan's source
// rootfs) into Destination, preserving symlinks, permissions, and special
// files. The copy is delegated to rsync, which handles special files at
// scale correctly.
type CopyTree struct {
	Source      string
	Destination string
}

// CopySymlink recreates the symlink at Source in the destination,
// replacing whatever already exists there. A non-symlink source is a hard
// error.
type CopySymlink struct {
	Source      string
	Destination string
}

// CopyFile copies a single regular file. A missing source is a hard error
// unless Optional is set, in which case the producer is skipped.
type CopyFile struct {
	Source      string
	Destination string
	Optional    bool
}

// WriteText writes literal content at Path inside the destination,
// creating parent directories, and applies Mode if given.
type WriteText struct {
	Path    string
	Content string
	Mode    *os.FileMode
}

func (CopyTree) name() string    { return "copy_tree" }
func (CopySymlink) name() string { return "copy_symlink" }
func (CopyFile) name() string    { return "copy_file" }
func (WriteText) name() string   { return "write_text" }

func (CopyTree) needsSource() bool    { return true }
func (CopySymlink) needsSource() bool { return true }
func (CopyFile) needsSource() bool    { return true }
func (WriteText) needsSource() bool   { return false }

func (p CopyTree) apply(ctx *applyContext) error {
	sourcePath := filepath.Join(ctx.sourceRoot, p.Source)
	info, err := os.Stat(sourcePath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("copy_tree source %q is not a directory", sourcePath)
	}
	targetPath := filepath.Join(ctx.destRoot, p.Destination)
	if err := os.MkdirAll(targetPath, 0755); err != nil {
		return fmt.Errorf("error creating copy_tree destination %s: %v", targetPath, err)
	}
	return rsyncTree(ctx.rsyncPath, sourcePath, targetPath)
}

func (p CopySymlink) apply(ctx *applyContext) error {
	sourcePath := filepath.Join(ctx.sourceRoot, p.Source)
	info, err := os.Lstat(sourcePath)
	if err != nil {
		return fmt.Errorf("error reading symlink metadata for %s: %v", sourcePath, err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("copy_symlink source %q is not a symlink", sourcePath)
	}
	linkTarget, err := os.Readlink(sourcePath)
	if err != nil {
		return fmt.Errorf("error reading link target for %s: %v", sourcePath, err)
	}

	targetPath := filepath.Join(ctx.destRoot, p.Destination)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return err
	}
	if existing, err := os.Lstat(targetPath); err == nil {
		if existing.IsDir() {
			if err := os.RemoveAll(targetPath); err != nil {
				return fmt.Errorf("error removing existing directory %s: %v", targetPath, err)
			}
		} else {
			if err := os.Remove(targetPath); err != nil {
				return fmt.Errorf("error removing existing %s: %v", targetPath, err)
			}
		}
	}
	if err := os.Symlink(linkTarget, targetPath); err != nil {
		return fmt.Errorf("error creating symlink %s -> %s: %v", targetPath, linkTarget, err)
	}
	return nil
}

func (p CopyFile) apply(ctx *applyContext) error {
	sourcePath := filepath.Join(ctx.sourceRoot, p.Source)
	info, err := os.Stat(sourcePath)
	if err != nil || !info.Mode().IsRegular() {
		if p.Optional {
			return nil
		}
		return fmt.Errorf("copy_file source %q not found", sourcePath)
	}

	targetPath := filepath.Join(ctx.destRoot, p.Destination)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return err
	}
	if err := copyFile(sourcePath, targetPath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("error copying %s to %s: %v", sourcePath, targetPath, err)
	}
	return nil
}

func (p WriteText) apply(ctx *applyContext) error {
	targetPath := filepath.Join(ctx.destRoot, p.Path)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(targetPath, []byte(p.Content), 0644); err != nil {
		return fmt.Errorf("error writing %s: %v", targetPath, err)
	}
	if p.Mode != nil {
		if err := os.Chmod(targetPath, *p.Mode); err != nil {
			return fmt.Errorf("error setting permissions on %s: %v", targetPath, err)
		}
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	// plans may replace an existing file; make sure the mode wins
	if err := out.Chmod(perm); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// JSON encoding uses a type discriminator so plans can be stored in and
// loaded from plain files.

type producerEnvelope struct {
	Type        string  `json:"type"`
	Source      string  `json:"source,omitempty"`
	Destination string  `json:"destination,omitempty"`
	Optional    bool    `json:"optional,omitempty"`
	Path        string  `json:"path,omitempty"`
	Content     string  `json:"content,omitempty"`
	Mode        *uint32 `json:"mode,omitempty"`
}

type planEnvelope struct {
	SourceRootfsDir string             `json:"source_rootfs_dir,omitempty"`
	Producers       []producerEnvelope `json:"producers"`
}

func (p *Plan) MarshalJSON() ([]byte, error) {
	env := planEnvelope{SourceRootfsDir: p.SourceRootfsDir}
	for _, prod := range p.Producers {
		var e producerEnvelope
		e.Type = prod.name()
		switch v := prod.(type) {
		case CopyTree:
			e.Source, e.Destination = v.Source, v.Destination
		case CopySymlink:
			e.Source, e.Destination = v.Source, v.Destination
		case CopyFile:
			e.Source, e.Destination, e.Optional = v.Source, v.Destination, v.Optional
		case WriteText:
			e.Path, e.Content = v.Path, v.Content
			if v.Mode != nil {
				mode := uint32(*v.Mode)
				e.Mode = &mode
			}
		default:
			return nil, fmt.Errorf("unknown producer type %T", prod)
		}
		env.Producers = append(env.Producers, e)
	}
	return json.Marshal(env)
}

func (p *Plan) UnmarshalJSON(data []byte) error {
	var env planEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.SourceRootfsDir = env.SourceRootfsDir
	p.Producers = nil
	for _, e := range env.Producers {
		switch e.Type {
		case "copy_tree":
			p.Producers = append(p.Producers, CopyTree{Source: e.Source, Destination: e.Destination})
		case "copy_symlink":
			p.Producers = append(p.Producers, CopySymlink{Source: e.Source, Destination: e.Destination})
		case "copy_file":
			p.Producers = append(p.Producers, CopyFile{Source: e.Source, Destination: e.Destination, Optional: e.Optional})
		case "write_text":
			w := WriteText{Path: e.Path, Content: e.Content}
			if e.Mode != nil {
				mode := os.FileMode(*e.Mode)
				w.Mode = &mode
			}
			p.Producers = append(p.Producers, w)
		default:
			return fmt.Errorf("unknown producer type %q", e.Type)
		}
	}
	return nil
}
