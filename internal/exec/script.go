package exec

import (
	"context"
	"time"
)

// realScript executes operator-supplied entrypoints. The script's exit code
// is the integration contract, so the Result goes back to the caller even on
// failure.
type realScript struct {
	run *Runner
}

var _ Script = (*realScript)(nil)

func newScript(killTimeout time.Duration) *realScript {
	return &realScript{run: NewRunner(killTimeout)}
}

func (s *realScript) Run(ctx context.Context, path, dir string, env []string) (Result, error) {
	return s.run.Run(ctx, Spec{
		Name: "script",
		Bin:  path,
		Dir:  dir,
		Env:  env,
	})
}
