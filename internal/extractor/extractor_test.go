package extractor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agriscope/gleaner/internal/cache"
	"github.com/agriscope/gleaner/internal/exec"
	"github.com/agriscope/gleaner/internal/model"
	"github.com/agriscope/gleaner/internal/plots"
)

// walkerFunc adapts a function to the ImageLister interface.
type walkerFunc func(ctx context.Context, datasetID string, fn func(string, int64) error) error

func (w walkerFunc) WalkImages(ctx context.Context, datasetID string, fn func(string, int64) error) error {
	return w(ctx, datasetID, fn)
}

func staticImages(keys ...string) ImageLister {
	return walkerFunc(func(_ context.Context, _ string, fn func(string, int64) error) error {
		for _, k := range keys {
			if err := fn(k, 1024); err != nil {
				return err
			}
		}
		return nil
	})
}

// newJob builds a Context over a temp workspace with stub tools.
func newJob(t *testing.T, images ImageLister) (Context, *exec.StubFactory) {
	t.Helper()
	work := t.TempDir()
	stub := exec.NewStubFactory()
	job := Context{
		JobID:     "job-1",
		DatasetID: "ds-1",
		Images:    images,
		WorkDir:   work,
		InputDir:  filepath.Join(work, "input"),
		OutputDir: filepath.Join(work, "output"),
		Tools:     stub,
		Cache:     cache.NewNoOpCache(),
		MinImages: 2,
	}
	require.NoError(t, os.MkdirAll(job.InputDir, 0o750))
	require.NoError(t, os.MkdirAll(job.OutputDir, 0o750))
	return job, stub
}

const testPlotsGeoJSON = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"name":"North Field"},"geometry":{"type":"Polygon","coordinates":[[[11.50,48.10],[11.52,48.10],[11.52,48.12],[11.50,48.12],[11.50,48.10]]]}},
 {"type":"Feature","properties":{"name":"South Field"},"geometry":{"type":"Polygon","coordinates":[[[11.50,48.06],[11.52,48.06],[11.52,48.08],[11.50,48.08],[11.50,48.06]]]}}
]}`

func newPlotRegistry(t *testing.T, features string) *plots.Registry {
	t.Helper()
	reg, err := plots.Open(filepath.Join(t.TempDir(), "plots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	if features != "" {
		_, err = reg.ImportGeoJSON(context.Background(), strings.NewReader(features))
		require.NoError(t, err)
	}
	return reg
}

func writeInput(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("input bytes for "+name), 0o644))
}

func productKeys(products []Product) []string {
	keys := make([]string, 0, len(products))
	for _, p := range products {
		keys = append(keys, p.Key)
	}
	return keys
}

func TestRegistryLookupBuiltins(t *testing.T) {
	reg := Defaults()
	for _, name := range []string{"clipbyshape", "opendronemap"} {
		e, err := reg.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, name, e.Name())
	}
}

func TestRegistryLookupScriptPath(t *testing.T) {
	e, err := Defaults().Lookup("/opt/gleaner/ndvi.sh")
	require.NoError(t, err)
	assert.IsType(t, &Script{}, e)
	assert.Equal(t, "ndvi", e.Name())
	assert.Equal(t, "external", e.Version())
}

func TestRegistryLookupUnknown(t *testing.T) {
	_, err := Defaults().Lookup("thermal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thermal")
	assert.Contains(t, err.Error(), "clipbyshape")
}

func TestRegistryNames(t *testing.T) {
	assert.Equal(t, []string{"clipbyshape", "opendronemap"}, Defaults().Names())
}

func TestSkipErrorMessage(t *testing.T) {
	err := &SkipError{Reason: model.RNoPlots, Detail: "nothing intersects"}
	assert.Contains(t, err.Error(), "R_NO_PLOTS")
	assert.Contains(t, err.Error(), "nothing intersects")
}

func TestPermanentErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &PermanentError{Reason: model.RTooFewImages, Detail: "2 of 5", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "R_TOO_FEW_IMAGES")

	bare := &PermanentError{Reason: model.RTooFewImages, Detail: "2 of 5"}
	assert.NotContains(t, bare.Error(), "<nil>")
}
