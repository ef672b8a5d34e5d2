package exec

import (
	"context"
	"fmt"
	"time"
)

// realODM shells out to the OpenDroneMap CLI.
type realODM struct {
	run *Runner
	bin string
}

var _ ODM = (*realODM)(nil)

func newODM(bin string, killTimeout time.Duration) *realODM {
	return &realODM{run: NewRunner(killTimeout), bin: bin}
}

// Reconstruct runs the full pipeline with DSM generation. ODM writes its
// products under projectRoot/projectName; progress output lands in the line
// ring for failure reporting.
func (o *realODM) Reconstruct(ctx context.Context, projectRoot, projectName string) error {
	if _, err := o.run.Run(ctx, Spec{
		Name: "odm",
		Bin:  o.bin,
		Args: []string{
			"--project-path", projectRoot,
			projectName,
			"--dsm",
			"--skip-report",
		},
	}); err != nil {
		return fmt.Errorf("reconstruct %s: %w", projectName, err)
	}
	return nil
}
