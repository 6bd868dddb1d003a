// Package stagerun tracks the execution attempts of pipeline stages.
//
// Every attempt gets its own uniquely named directory under the stage's
// root directory, identified by a sortable run id, with a JSON manifest
// recording its lifecycle. There is no mutable "current run" pointer:
// later stages locate their parent's output by scanning manifests for the
// latest successful run, so concurrent builds never observe a torn pointer
// update.
package stagerun

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/levitateos/distro-builder/internal/jsondb"
)

const manifestName = "run-manifest"

// ManifestFilename is the manifest file name inside each run directory.
const ManifestFilename = manifestName + ".json"

// Run statuses. A run is created "building" and rewritten with a terminal
// status when it completes; a manifest left at "building" indicates an
// interrupted attempt.
const (
	StatusBuilding = "building"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
)

// Manifest describes one execution attempt of a stage.
type Manifest struct {
	RunID          string `json:"run_id"`
	DistroID       string `json:"distro_id"`
	StageName      string `json:"stage_name"`
	StageSlug      string `json:"stage_slug"`
	Status         string `json:"status"`
	CreatedAtUTC   string `json:"created_at_utc"`
	FinishedAtUTC  string `json:"finished_at_utc,omitempty"`
	StageRootDir   string `json:"stage_root_dir"`
	StageOutputDir string `json:"stage_output_dir"`
	ISOPath        string `json:"iso_path"`
}

// sortKey orders runs by completion time, falling back to creation time for
// runs that never finished. Timestamps are RFC3339 UTC, so string
// comparison is chronological.
func (m *Manifest) sortKey() string {
	if m.FinishedAtUTC != "" {
		return m.FinishedAtUTC
	}
	return m.CreatedAtUTC
}

const allocateRetries = 32

// AllocateRunDir creates a new uniquely named run directory under
// stageRoot. Collisions are expected to be vanishingly rare given the run
// id's entropy, so an existence-check-then-create race with bounded retry
// is used instead of a lock.
func AllocateRunDir(stageRoot string) (string, string, error) {
	if err := os.MkdirAll(stageRoot, 0755); err != nil {
		return "", "", fmt.Errorf("error creating stage root %s: %v", stageRoot, err)
	}

	for i := 0; i < allocateRetries; i++ {
		runID, err := NewRunID()
		if err != nil {
			return "", "", err
		}
		runDir := filepath.Join(stageRoot, runID)
		err = os.Mkdir(runDir, 0755)
		if err == nil {
			return runID, runDir, nil
		}
		if !os.IsExist(err) {
			return "", "", fmt.Errorf("error creating run directory %s: %v", runDir, err)
		}
	}
	return "", "", fmt.Errorf("could not allocate a unique run directory under %s after %d attempts", stageRoot, allocateRetries)
}

// NowUTC returns the registry's timestamp format for the current time.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// WriteManifest atomically writes the run manifest into runDir.
func WriteManifest(runDir string, manifest *Manifest) error {
	return jsondb.New(runDir, 0644).Write(manifestName, manifest)
}

// Begin writes the initial "building" manifest for a freshly allocated run.
func Begin(runDir string, manifest *Manifest) error {
	manifest.Status = StatusBuilding
	if manifest.CreatedAtUTC == "" {
		manifest.CreatedAtUTC = NowUTC()
	}
	logrus.WithField("run", manifest.RunID).Infof("stage %s run started", manifest.StageSlug)
	return WriteManifest(runDir, manifest)
}

// Finish rewrites the manifest with a terminal status and completion time.
func Finish(runDir string, manifest *Manifest, status string) error {
	if status != StatusSuccess && status != StatusFailed {
		return fmt.Errorf("invalid terminal run status %q", status)
	}
	manifest.Status = status
	manifest.FinishedAtUTC = NowUTC()
	logrus.WithField("run", manifest.RunID).Infof("stage %s run finished: %s", manifest.StageSlug, status)
	return WriteManifest(runDir, manifest)
}

// ReadManifest reads the manifest from runDir. Returns false when no
// manifest exists.
func ReadManifest(runDir string) (*Manifest, bool, error) {
	var manifest Manifest
	exists, err := jsondb.New(runDir, 0644).Read(manifestName, &manifest)
	if err != nil {
		return nil, false, fmt.Errorf("error reading run manifest in %s: %v", runDir, err)
	}
	if !exists {
		return nil, false, nil
	}
	return &manifest, true, nil
}

// LoadRuns reads the manifests of all runs under stageRoot, newest first.
// Directories without a manifest are skipped.
func LoadRuns(stageRoot string) ([]Manifest, error) {
	dirents, err := os.ReadDir(stageRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading stage runs directory %s: %v", stageRoot, err)
	}

	var runs []Manifest
	for _, ent := range dirents {
		if !ent.IsDir() || ent.Name()[0] == '.' {
			continue
		}
		manifest, exists, err := ReadManifest(filepath.Join(stageRoot, ent.Name()))
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		runs = append(runs, *manifest)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].sortKey() > runs[j].sortKey()
	})
	return runs, nil
}

// LatestSuccessfulRunID returns the id of the most recently finished
// successful run under stageRoot, or "" when none exists. This is the sole
// mechanism later stages use to locate their parent stage's output.
func LatestSuccessfulRunID(stageRoot string) (string, error) {
	runs, err := LoadRuns(stageRoot)
	if err != nil {
		return "", err
	}
	for _, run := range runs {
		if run.Status == StatusSuccess {
			return run.RunID, nil
		}
	}
	return "", nil
}

// PruneOldRuns deletes run directories beyond the keep most recent ones,
// irrespective of status, bounding disk growth from repeated or failed
// attempts.
func PruneOldRuns(stageRoot string, keep int) error {
	runs, err := LoadRuns(stageRoot)
	if err != nil {
		return err
	}
	for i := keep; i < len(runs); i++ {
		runDir := filepath.Join(stageRoot, runs[i].RunID)
		if err := os.RemoveAll(runDir); err != nil {
			return fmt.Errorf("error removing expired stage run directory %s: %v", runDir, err)
		}
		logrus.Debugf("pruned stage run %s", runs[i].RunID)
	}
	return nil
}
