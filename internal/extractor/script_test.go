package extractor

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agriscope/gleaner/internal/config"
	"github.com/agriscope/gleaner/internal/exec"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := osexec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}

func TestScriptRunWithStubTools(t *testing.T) {
	job, stub := newJob(t, nil)
	s := NewScript("/opt/tools/ndvi.sh")

	products, err := s.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "result.txt", products[0].Key)
	assert.NotEmpty(t, products[0].SHA256)

	man, err := os.ReadFile(filepath.Join(job.OutputDir, "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, "ndvi", gjson.GetBytes(man, "extractor.name").String())
	assert.Equal(t, "external", gjson.GetBytes(man, "extractor.version").String())
	assert.Equal(t, "/opt/tools/ndvi.sh", gjson.GetBytes(man, "script.path").String())
	assert.EqualValues(t, 1, gjson.GetBytes(man, "products.#").Int())

	assert.Contains(t, stub.Calls(), "script /opt/tools/ndvi.sh")
}

func TestScriptRunReal(t *testing.T) {
	requireSh(t)

	job, _ := newJob(t, nil)
	job.Tools = exec.NewRealFactory(config.ToolsConfig{KillTimeout: time.Second})
	job.Metadata = map[string]any{"flight": "f-7"}

	script := filepath.Join(t.TempDir(), "extract.sh")
	body := `#!/bin/sh
printf '%s' "$GLEANER_JOB_ID" > "$GLEANER_OUTPUT_DIR/job.txt"
printf '%s' "$GLEANER_METADATA" > "$GLEANER_OUTPUT_DIR/meta.json"
ls "$GLEANER_INPUT_DIR" > "$GLEANER_OUTPUT_DIR/inputs.txt"
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	writeInput(t, job.InputDir, "sample.tif")

	products, err := NewScript(script).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, products, 3)

	got, err := os.ReadFile(filepath.Join(job.OutputDir, "job.txt"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", string(got))

	meta, err := os.ReadFile(filepath.Join(job.OutputDir, "meta.json"))
	require.NoError(t, err)
	assert.Equal(t, "f-7", gjson.GetBytes(meta, "flight").String())

	inputs, err := os.ReadFile(filepath.Join(job.OutputDir, "inputs.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(inputs), "sample.tif")

	man, err := os.ReadFile(filepath.Join(job.OutputDir, "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, "extract", gjson.GetBytes(man, "extractor.name").String())
	assert.EqualValues(t, 0, gjson.GetBytes(man, "script.exitCode").Int())
}

func TestScriptRunRealFailure(t *testing.T) {
	requireSh(t)

	job, _ := newJob(t, nil)
	job.Tools = exec.NewRealFactory(config.ToolsConfig{KillTimeout: time.Second})

	script := filepath.Join(t.TempDir(), "broken.sh")
	body := `#!/bin/sh
echo "no usable inputs" >&2
exit 7
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	_, err := NewScript(script).Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 7")
	assert.Contains(t, err.Error(), "no usable inputs")

	// A failed script leaves no manifest behind.
	_, statErr := os.Stat(filepath.Join(job.OutputDir, "metadata.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestScriptRunEmptyOutput(t *testing.T) {
	requireSh(t)

	job, _ := newJob(t, nil)
	job.Tools = exec.NewRealFactory(config.ToolsConfig{KillTimeout: time.Second})

	script := filepath.Join(t.TempDir(), "noop.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	products, err := NewScript(script).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Empty(t, products)

	// The manifest itself still records the run.
	man, err := os.ReadFile(filepath.Join(job.OutputDir, "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, "noop", gjson.GetBytes(man, "extractor.name").String())
}
