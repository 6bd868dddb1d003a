package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/levitateos/distro-builder/internal/stagerun"
)

var (
	runsKeep int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and prune stage run directories",
}

var runsListCmd = &cobra.Command{
	Use:   "list STAGE_ROOT",
	Short: "List runs under a stage root, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := stagerun.LoadRuns(args[0])
		if err != nil {
			return err
		}
		for _, run := range runs {
			finished := run.FinishedAtUTC
			if finished == "" {
				finished = "-"
			}
			fmt.Printf("%-20s %-10s %-22s %s\n", run.RunID, run.Status, finished, run.StageName)
		}
		return nil
	},
}

var runsLatestCmd = &cobra.Command{
	Use:   "latest STAGE_ROOT",
	Short: "Print the run id of the latest successful run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := stagerun.LatestSuccessfulRunID(args[0])
		if err != nil {
			return err
		}
		if runID == "" {
			return fmt.Errorf("no successful run under %s", args[0])
		}
		fmt.Println(runID)
		return nil
	},
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune STAGE_ROOT",
	Short: "Delete old run directories, keeping the newest ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		keep := runsKeep
		if keep == 0 {
			keep = config.Runs.KeepRuns
		}
		if err := stagerun.PruneOldRuns(args[0], keep); err != nil {
			return err
		}
		log.Infof("pruned runs under %s, kept the newest %d", args[0], keep)
		return nil
	},
}

func init() {
	runsPruneCmd.Flags().IntVarP(&runsKeep, "keep", "k", 0, "runs to keep (default from config)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsLatestCmd)
	runsCmd.AddCommand(runsPruneCmd)
}
