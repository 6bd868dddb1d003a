// Package imagebridge bridges cached rootfs images and the plain directory
// trees the producer-plan executor consumes.
//
// Extraction is all-or-nothing from the consumer's point of view: the
// destination is recreated from scratch and a failed extraction returns an
// error, so a partially populated tree is never fed into a plan.
package imagebridge

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/levitateos/distro-builder/internal/stagerun"
)

// FsckErofsPath is the binary used to extract erofs images.
var FsckErofsPath = "fsck.erofs"

// ExtractErofs populates destination with the full tree of a read-only
// erofs image. Any existing destination content is removed first.
func ExtractErofs(image, destination string) error {
	if err := os.RemoveAll(destination); err != nil {
		return fmt.Errorf("error removing incomplete rootfs directory %s: %v", destination, err)
	}
	if err := os.MkdirAll(destination, 0755); err != nil {
		return fmt.Errorf("error creating rootfs destination %s: %v", destination, err)
	}

	cmd := exec.Command(FsckErofsPath, "--extract="+destination, image)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("fsck.erofs failed extracting %q into %q: %v\n%s",
			image, destination, err, strings.TrimSpace(string(out)))
	}

	logrus.Debugf("extracted %s into %s", image, destination)
	return nil
}

// ResolveParentImage locates the rootfs image produced by the latest
// successful run of the parent stage. There is no "current" pointer to
// chase: the manifest scan is the single source of truth.
func ResolveParentImage(stageRoot, imageFilename string) (string, error) {
	runID, err := stagerun.LatestSuccessfulRunID(stageRoot)
	if err != nil {
		return "", err
	}
	if runID == "" {
		return "", fmt.Errorf("no successful run found under %s; build the parent stage first", stageRoot)
	}

	path := filepath.Join(stageRoot, runID, imageFilename)
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("missing parent stage rootfs image %s; build the parent stage first", path)
	}
	return path, nil
}
