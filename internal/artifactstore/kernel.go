package artifactstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// KernelPayloadKind is the index kind for stored kernel payloads.
const KernelPayloadKind = "kernel_payload"

const kernelImagePath = "boot/vmlinuz"

var modulesCandidates = []string{"lib/modules", "usr/lib/modules"}

// PutKernelPayload stores the kernel image and modules tree from a staging
// directory as a single tar.zst artifact keyed by the build-inputs hash.
// The payload contains `boot/vmlinuz` plus `lib/modules` or
// `usr/lib/modules`, whichever the staging tree uses.
func (s *Store) PutKernelPayload(key, stagingDir string, meta map[string]json.RawMessage) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	vmlinuz := filepath.Join(stagingDir, kernelImagePath)
	if _, err := os.Stat(vmlinuz); err != nil {
		return "", fmt.Errorf("kernel not installed (missing %s)", vmlinuz)
	}

	var relModules string
	for _, candidate := range modulesCandidates {
		if info, err := os.Stat(filepath.Join(stagingDir, candidate)); err == nil && info.IsDir() {
			relModules = candidate
			break
		}
	}
	if relModules == "" {
		return "", fmt.Errorf("kernel modules not found in staging %s (checked %s and %s)",
			stagingDir, modulesCandidates[0], modulesCandidates[1])
	}

	lock, err := s.acquireLock(KernelPayloadKind, key)
	if err != nil {
		return "", err
	}
	defer lock.release()

	// Assemble a minimal payload tree in scratch space so the
	// deterministic archive writer can be reused as-is.
	payloadDir := filepath.Join(s.tmpDir(), tmpName("kernel-payload"))
	defer os.RemoveAll(payloadDir)

	if err := os.MkdirAll(filepath.Join(payloadDir, "boot"), 0755); err != nil {
		return "", err
	}
	if err := hardlinkOrCopy(vmlinuz, filepath.Join(payloadDir, kernelImagePath)); err != nil {
		return "", fmt.Errorf("error staging kernel image: %v", err)
	}
	if err := copyDirRecursive(filepath.Join(stagingDir, relModules), filepath.Join(payloadDir, relModules)); err != nil {
		return "", fmt.Errorf("error staging kernel modules: %v", err)
	}

	sha256sum, err := s.putDirLocked(KernelPayloadKind, key, payloadDir, stagingDir, meta)
	if err != nil {
		return "", err
	}

	logrus.Infof("stored kernel payload %s as %s", key, sha256sum[:16])
	return sha256sum, nil
}

// RestoreKernelPayload extracts a stored kernel payload into stagingDir
// without disturbing unrelated staging content. Existing kernel image and
// modules trees are removed first; extraction then writes in place rather
// than swapping the whole directory.
func (s *Store) RestoreKernelPayload(key, stagingDir string) error {
	stored, err := s.Get(KernelPayloadKind, key)
	if err != nil {
		return err
	}
	if stored.Entry.Format != FormatTarZst {
		return fmt.Errorf("kernel payload %s has unexpected format %q (expected %q)",
			key, stored.Entry.Format, FormatTarZst)
	}
	if err := s.verifyStored(stored); err != nil {
		return err
	}

	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return err
	}

	// Clean conflicting targets before extracting.
	if err := os.Remove(filepath.Join(stagingDir, kernelImagePath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, candidate := range modulesCandidates {
		if err := os.RemoveAll(filepath.Join(stagingDir, candidate)); err != nil {
			return err
		}
	}

	if err := extractTarZst(stored.BlobPath, stagingDir); err != nil {
		return fmt.Errorf("error restoring kernel payload %s: %v", key, err)
	}

	logrus.Infof("restored kernel payload %s into %s", key, stagingDir)
	return nil
}
