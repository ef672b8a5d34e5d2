package extractor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agriscope/gleaner/internal/exec"
	"github.com/agriscope/gleaner/internal/model"
)

func TestOpenDroneMapInputKeysGate(t *testing.T) {
	job, _ := newJob(t, staticImages("img1.jpg"))
	job.MinImages = 2

	_, err := NewOpenDroneMap().InputKeys(context.Background(), job)

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, model.RTooFewImages, perm.Reason)
	assert.Contains(t, perm.Detail, "1 images")
}

func TestOpenDroneMapInputKeysEnough(t *testing.T) {
	job, _ := newJob(t, staticImages("a.jpg", "b.jpg", "c.jpg"))
	keys, err := NewOpenDroneMap().InputKeys(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestOpenDroneMapRun(t *testing.T) {
	job, _ := newJob(t, nil)
	writeInput(t, job.InputDir, "a.jpg")
	writeInput(t, job.InputDir, "b.jpg")
	writeInput(t, job.InputDir, "c.jpg")
	writeInput(t, job.InputDir, "flight-log.txt")

	products, err := NewOpenDroneMap().Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, products, 5)

	keys := productKeys(products)
	assert.Contains(t, keys, "odm/odm_orthophoto.tif")
	assert.Contains(t, keys, "odm/dsm.tif")
	assert.Contains(t, keys, "odm/dtm.tif")
	assert.Contains(t, keys, "odm/odm_georeferenced_model.laz")
	assert.Contains(t, keys, "odm/preview.png")

	man, err := os.ReadFile(filepath.Join(job.OutputDir, "metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, "opendronemap", gjson.GetBytes(man, "extractor.name").String())
	assert.EqualValues(t, 250000, gjson.GetBytes(man, "pointCloud.points").Int())
	assert.EqualValues(t, 120, gjson.GetBytes(man, "pointCloud.bound.maxZ").Float())

	// Only the three images reach the project tree.
	entries, err := os.ReadDir(filepath.Join(job.WorkDir, "odm", "project", "images"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Reconstruction scratch stays out of the published output.
	_, err = os.Stat(filepath.Join(job.OutputDir, "images"))
	assert.True(t, os.IsNotExist(err))
}

// legacyODMFactory rewrites the reconstruction's point cloud to the
// uncompressed .las name older pipelines emit.
type legacyODMFactory struct {
	*exec.StubFactory
}

func (f legacyODMFactory) ODM() exec.ODM { return legacyODM{f.StubFactory} }

type legacyODM struct {
	f *exec.StubFactory
}

func (o legacyODM) Reconstruct(ctx context.Context, projectRoot, projectName string) error {
	if err := o.f.ODM().Reconstruct(ctx, projectRoot, projectName); err != nil {
		return err
	}
	dir := filepath.Join(projectRoot, projectName, "odm_georeferencing")
	return os.Rename(
		filepath.Join(dir, "odm_georeferenced_model.laz"),
		filepath.Join(dir, "odm_georeferenced_model.las"),
	)
}

func TestOpenDroneMapRunLegacyPointCloud(t *testing.T) {
	job, stub := newJob(t, nil)
	job.Tools = legacyODMFactory{stub}
	writeInput(t, job.InputDir, "a.jpg")
	writeInput(t, job.InputDir, "b.jpg")

	products, err := NewOpenDroneMap().Run(context.Background(), job)
	require.NoError(t, err)

	keys := productKeys(products)
	assert.Contains(t, keys, "odm/odm_georeferenced_model.las")
	assert.NotContains(t, keys, "odm/odm_georeferenced_model.laz")

	man, err := os.ReadFile(filepath.Join(job.OutputDir, "metadata.json"))
	require.NoError(t, err)
	assert.EqualValues(t, 250000, gjson.GetBytes(man, "pointCloud.points").Int())
}

func TestOpenDroneMapRunTooFewStaged(t *testing.T) {
	job, _ := newJob(t, nil)
	writeInput(t, job.InputDir, "only.jpg")

	_, err := NewOpenDroneMap().Run(context.Background(), job)

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, model.RTooFewImages, perm.Reason)
}

func TestOpenDroneMapRunCancelled(t *testing.T) {
	job, _ := newJob(t, nil)
	writeInput(t, job.InputDir, "a.jpg")
	writeInput(t, job.InputDir, "b.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOpenDroneMap().Run(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
}
