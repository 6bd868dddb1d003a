package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/levitateos/distro-builder/internal/artifactstore"
	"github.com/levitateos/distro-builder/internal/buildconfig"
)

var (
	configPath string
	storePath  string
	verbose    bool

	// log carries a time-sortable operation id so concurrent invocations
	// can be told apart in shared logs.
	log *logrus.Entry
)

var rootCmd = &cobra.Command{
	Use:          "distro-builder",
	Short:        "Build orchestration for LevitateOS images",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetLevel(logrus.InfoLevel)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		log = logrus.WithField("operation_id", ksuid.New().String())
	},
}

func loadConfig() (*buildconfig.Config, error) {
	file := configPath
	if file == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		file = filepath.Join(cwd, buildconfig.DefaultConfigFilename)
	}
	return buildconfig.ParseConfig(file)
}

func openStore(config *buildconfig.Config) (*artifactstore.Store, error) {
	if storePath != "" {
		return artifactstore.OpenAt(storePath)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return artifactstore.OpenAt(config.StoreRoot(cwd))
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to builder.toml")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store", "s", "", "artifact store root, overrides the configured one")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(planCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
