// Package buildconfig loads the builder's TOML configuration.
package buildconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/levitateos/distro-builder/internal/artifactstore"
)

// DefaultConfigFilename is looked up relative to the repository root when no
// explicit config path is given.
const DefaultConfigFilename = "builder.toml"

type storeConfig struct {
	Root          string `toml:"root"`
	KeepArtifacts int    `toml:"keep_artifacts"`
}

type runsConfig struct {
	KeepRuns int `toml:"keep_runs"`
}

type producerConfig struct {
	RsyncPath            string   `toml:"rsync_path"`
	LegacySourcePatterns []string `toml:"legacy_source_patterns"`
}

type Config struct {
	Store    *storeConfig    `toml:"store"`
	Runs     *runsConfig     `toml:"runs"`
	Producer *producerConfig `toml:"producer"`
	// something like the distro identifier baked into stage manifests
	DistroID string `toml:"distro_id"`
}

// StoreRoot returns the artifact store root, resolved against repoRoot when
// the configured path is relative.
func (c *Config) StoreRoot(repoRoot string) string {
	root := c.Store.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(repoRoot, root)
	}
	return root
}

// ParseConfig reads file and fills in defaults. A non-existing config file
// isn't an error, the defaults apply in that case.
func ParseConfig(file string) (*Config, error) {
	config := Config{
		Store: &storeConfig{
			Root:          artifactstore.DefaultStoreDir,
			KeepArtifacts: 3,
		},
		Runs: &runsConfig{
			KeepRuns: 3,
		},
		Producer: &producerConfig{
			RsyncPath: "rsync",
		},
		DistroID: "levitate",
	}

	_, err := toml.DecodeFile(file, &config)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}

		logrus.Info("Configuration file not found, using defaults")
	}

	if config.Store.KeepArtifacts < 1 {
		return nil, fmt.Errorf("store.keep_artifacts must be at least 1, got %d", config.Store.KeepArtifacts)
	}
	if config.Runs.KeepRuns < 1 {
		return nil, fmt.Errorf("runs.keep_runs must be at least 1, got %d", config.Runs.KeepRuns)
	}
	if config.Producer.RsyncPath == "" {
		return nil, fmt.Errorf("producer.rsync_path must not be empty")
	}

	return &config, nil
}
