package buildconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levitateos/distro-builder/internal/buildconfig"
)

func TestParseConfigDefaults(t *testing.T) {
	config, err := buildconfig.ParseConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, ".artifacts", config.Store.Root)
	assert.Equal(t, 3, config.Store.KeepArtifacts)
	assert.Equal(t, 3, config.Runs.KeepRuns)
	assert.Equal(t, "rsync", config.Producer.RsyncPath)
	assert.Empty(t, config.Producer.LegacySourcePatterns)
	assert.Equal(t, "levitate", config.DistroID)
}

func TestParseConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "builder.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
distro_id = "acorn"

[store]
root = "/var/cache/builder/artifacts"
keep_artifacts = 5

[runs]
keep_runs = 2

[producer]
rsync_path = "/usr/local/bin/rsync"
legacy_source_patterns = ["acornos/downloads/rootfs"]
`), 0600))

	config, err := buildconfig.ParseConfig(file)
	require.NoError(t, err)

	assert.Equal(t, "acorn", config.DistroID)
	assert.Equal(t, "/var/cache/builder/artifacts", config.Store.Root)
	assert.Equal(t, 5, config.Store.KeepArtifacts)
	assert.Equal(t, 2, config.Runs.KeepRuns)
	assert.Equal(t, "/usr/local/bin/rsync", config.Producer.RsyncPath)
	assert.Equal(t, []string{"acornos/downloads/rootfs"}, config.Producer.LegacySourcePatterns)
}

func TestParseConfigPartialFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "builder.toml")
	require.NoError(t, os.WriteFile(file, []byte("[store]\nkeep_artifacts = 10\n"), 0600))

	config, err := buildconfig.ParseConfig(file)
	require.NoError(t, err)

	assert.Equal(t, ".artifacts", config.Store.Root)
	assert.Equal(t, 10, config.Store.KeepArtifacts)
	assert.Equal(t, 3, config.Runs.KeepRuns)
}

func TestParseConfigInvalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"keep_artifacts": "[store]\nkeep_artifacts = 0\n",
		"keep_runs":      "[runs]\nkeep_runs = -1\n",
		"rsync_path":     "[producer]\nrsync_path = \"\"\n",
		"bad_toml":       "[store\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			file := filepath.Join(dir, name+".toml")
			require.NoError(t, os.WriteFile(file, []byte(content), 0600))

			_, err := buildconfig.ParseConfig(file)
			assert.Error(t, err)
		})
	}
}

func TestStoreRoot(t *testing.T) {
	config, err := buildconfig.ParseConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "/repo/.artifacts", config.StoreRoot("/repo"))

	config.Store.Root = "/var/cache/artifacts"
	assert.Equal(t, "/var/cache/artifacts", config.StoreRoot("/repo"))
}
