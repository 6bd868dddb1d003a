package producer

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Executor applies producer plans under a source policy.
type Executor struct {
	policy *SourcePolicy

	// RsyncPath overrides the rsync binary used for tree copies.
	RsyncPath string
}

// NewExecutor returns an executor guarded by policy; a nil policy means the
// built-in deny-list.
func NewExecutor(policy *SourcePolicy) *Executor {
	if policy == nil {
		policy = DefaultSourcePolicy()
	}
	return &Executor{policy: policy, RsyncPath: "rsync"}
}

// Apply runs the plan's producers in order against destRoot. The source
// policy is checked before the destination is touched; a plan without a
// source rootfs is only valid when no producer requires one.
func (e *Executor) Apply(plan *Plan, destRoot string) error {
	if plan.SourceRootfsDir != "" {
		if err := e.policy.Check(plan.SourceRootfsDir); err != nil {
			return fmt.Errorf("applying producer plan with source rootfs %q: %w", plan.SourceRootfsDir, err)
		}
	} else {
		for _, prod := range plan.Producers {
			if prod.needsSource() {
				return fmt.Errorf("%s producer requires a source rootfs, but the plan has none", prod.name())
			}
		}
	}

	ctx := &applyContext{
		sourceRoot: plan.SourceRootfsDir,
		destRoot:   destRoot,
		rsyncPath:  e.RsyncPath,
	}
	if ctx.rsyncPath == "" {
		ctx.rsyncPath = "rsync"
	}

	for i, prod := range plan.Producers {
		if err := prod.apply(ctx); err != nil {
			return fmt.Errorf("producer %d (%s): %w", i, prod.name(), err)
		}
	}

	logrus.Debugf("applied %d producers to %s", len(plan.Producers), destRoot)
	return nil
}

// rsyncTree merges sourceDir into destDir with `rsync -a`. On failure the
// captured output is embedded in the error.
func rsyncTree(rsyncPath, sourceDir, destDir string) error {
	cmd := exec.Command(rsyncPath, "-a", sourceDir+"/", destDir+"/")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rsync failed from %q to %q: %v\n%s", sourceDir, destDir, err, strings.TrimSpace(string(out)))
	}
	return nil
}
