package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/agriscope/gleaner/internal/log"
)

// Script runs an operator-supplied entrypoint against the staged
// dataset. It is the fallback for MAIN_SCRIPT values that name no
// built-in pipeline.
type Script struct {
	path string
}

// NewScript wraps the executable at path as an extractor.
func NewScript(path string) *Script { return &Script{path: path} }

// Name is the entrypoint's base name without extension.
func (s *Script) Name() string {
	base := filepath.Base(s.path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *Script) Version() string { return "external" }

// InputKeys stages the whole dataset: the daemon cannot know which
// objects an operator script reads.
func (s *Script) InputKeys(ctx context.Context, job Context) ([]string, error) {
	return nil, nil
}

// Run executes the entrypoint with the job layout exported through the
// environment and fingerprints whatever it leaves in the output
// directory. The daemon's own environment, including the broker
// settings, passes through untouched.
func (s *Script) Run(ctx context.Context, job Context) ([]Product, error) {
	logger := log.WithComponentFromContext(ctx, "script")
	started := time.Now()

	env := []string{
		"GLEANER_JOB_ID=" + job.JobID,
		"GLEANER_DATASET_ID=" + job.DatasetID,
		"GLEANER_INPUT_DIR=" + job.InputDir,
		"GLEANER_OUTPUT_DIR=" + job.OutputDir,
	}
	if len(job.Metadata) > 0 {
		meta, err := json.Marshal(job.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode request metadata: %w", err)
		}
		env = append(env, "GLEANER_METADATA="+string(meta))
	}

	res, err := job.Tools.Script().Run(ctx, s.path, job.WorkDir, env)
	if err != nil {
		if tail := lastLine(res.Stderr); tail != "" {
			return nil, fmt.Errorf("%w (last stderr: %s)", err, tail)
		}
		return nil, err
	}
	logger.Debug().Dur("took", res.Duration()).Msg("entrypoint finished")

	products, err := productsFromDir(job.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("collect script outputs: %w", err)
	}

	man := newManifest(s.Name(), s.Version(), job)
	man.set("script.path", s.path)
	man.set("script.exitCode", res.Code)
	if err := man.write(job.OutputDir, started, time.Now(), products); err != nil {
		return nil, err
	}
	return products, nil
}

// lastLine returns the newest captured stderr line.
func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
