package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/levitateos/distro-builder/internal/producer"
)

var (
	planFile   string
	planDest   string
	planSource string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Apply producer plans to a destination tree",
}

var planApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Run a JSON producer plan against a destination directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(planFile)
		if err != nil {
			return fmt.Errorf("error reading plan %s: %v", planFile, err)
		}
		var plan producer.Plan
		if err := json.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("error parsing plan %s: %v", planFile, err)
		}
		if planSource != "" {
			plan.SourceRootfsDir = planSource
		}

		policy := producer.DefaultSourcePolicy()
		if len(config.Producer.LegacySourcePatterns) > 0 {
			policy, err = producer.NewSourcePolicy(config.Producer.LegacySourcePatterns)
			if err != nil {
				return err
			}
		}

		executor := producer.NewExecutor(policy)
		executor.RsyncPath = config.Producer.RsyncPath
		if err := executor.Apply(&plan, planDest); err != nil {
			return err
		}
		log.Infof("applied %d producers to %s", len(plan.Producers), planDest)
		return nil
	},
}

func init() {
	planApplyCmd.Flags().StringVarP(&planFile, "plan", "p", "", "JSON plan file")
	planApplyCmd.Flags().StringVarP(&planDest, "dest", "d", "", "destination root directory")
	planApplyCmd.Flags().StringVarP(&planSource, "source", "", "", "source rootfs directory, overrides the plan's")
	_ = planApplyCmd.MarkFlagRequired("plan")
	_ = planApplyCmd.MarkFlagRequired("dest")

	planCmd.AddCommand(planApplyCmd)
}
