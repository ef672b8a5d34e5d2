package extractor

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/agriscope/gleaner/internal/las"
	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/model"
)

const odmVersion = "1.1.0"

// odmProjectName is the fixed project directory inside the
// reconstruction root.
const odmProjectName = "project"

// odmOutputs are the reconstruction products gleaner collects, relative
// to the project directory.
var odmOutputs = []string{
	"odm_orthophoto/odm_orthophoto.tif",
	"odm_dem/dsm.tif",
	"odm_dem/dtm.tif",
}

// odmPointClouds are tried in order: current reconstructions compress the
// georeferenced cloud to .laz, older ones leave raw .las. LAZ keeps the
// public header block uncompressed, so the header stats read the same
// either way.
var odmPointClouds = []string{
	"odm_georeferencing/odm_georeferenced_model.laz",
	"odm_georeferencing/odm_georeferenced_model.las",
}

// OpenDroneMap reconstructs a staged flight into an orthophoto, a
// surface model and a georeferenced point cloud.
type OpenDroneMap struct{}

func NewOpenDroneMap() *OpenDroneMap { return &OpenDroneMap{} }

func (o *OpenDroneMap) Name() string    { return "opendronemap" }
func (o *OpenDroneMap) Version() string { return odmVersion }

// InputKeys stages every image of the dataset, after checking the count
// clears the reconstruction minimum. Too few images cannot produce a
// model, so the gate runs before any download.
func (o *OpenDroneMap) InputKeys(ctx context.Context, job Context) ([]string, error) {
	var keys []string
	err := job.Images.WalkImages(ctx, job.DatasetID, func(key string, size int64) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	if len(keys) < job.MinImages {
		return nil, &PermanentError{
			Reason: model.RTooFewImages,
			Detail: fmt.Sprintf("dataset has %d images, reconstruction needs at least %d", len(keys), job.MinImages),
		}
	}
	return keys, nil
}

func (o *OpenDroneMap) Run(ctx context.Context, job Context) ([]Product, error) {
	logger := log.WithComponentFromContext(ctx, "opendronemap")
	started := time.Now()

	// The project tree stays under WorkDir so reconstruction scratch
	// (opensfm, mve, reports) never reaches the published output.
	projectRoot := filepath.Join(job.WorkDir, "odm")
	imagesDir := filepath.Join(projectRoot, odmProjectName, "images")
	n, err := linkImages(job.InputDir, imagesDir)
	if err != nil {
		return nil, fmt.Errorf("prepare project images: %w", err)
	}
	if n < job.MinImages {
		return nil, &PermanentError{
			Reason: model.RTooFewImages,
			Detail: fmt.Sprintf("%d staged images usable, reconstruction needs at least %d", n, job.MinImages),
		}
	}
	logger.Info().Int("images", n).Msg("reconstruction starting")

	if err := job.Tools.ODM().Reconstruct(ctx, projectRoot, odmProjectName); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(job.OutputDir, "odm"), 0o750); err != nil {
		return nil, fmt.Errorf("create product dir: %w", err)
	}

	cloudRel, err := findPointCloud(filepath.Join(projectRoot, odmProjectName))
	if err != nil {
		return nil, err
	}

	var products []Product
	for _, rel := range append(append([]string{}, odmOutputs...), cloudRel) {
		src := filepath.Join(projectRoot, odmProjectName, filepath.FromSlash(rel))
		if err := verifyOutput(src); err != nil {
			return nil, err
		}
		key := path.Join("odm", path.Base(rel))
		if err := os.Rename(src, filepath.Join(job.OutputDir, filepath.FromSlash(key))); err != nil {
			return nil, fmt.Errorf("collect %s: %w", rel, err)
		}
		p, err := newProduct(job.OutputDir, key, "")
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	man := newManifest(o.Name(), o.Version(), job)

	header, err := las.ReadHeaderFile(filepath.Join(job.OutputDir, "odm", path.Base(cloudRel)))
	if err != nil {
		return nil, fmt.Errorf("read point cloud header: %w", err)
	}
	man.set("pointCloud.points", header.PointCount)
	man.set("pointCloud.bound.minX", header.MinX)
	man.set("pointCloud.bound.minY", header.MinY)
	man.set("pointCloud.bound.minZ", header.MinZ)
	man.set("pointCloud.bound.maxX", header.MaxX)
	man.set("pointCloud.bound.maxY", header.MaxY)
	man.set("pointCloud.bound.maxZ", header.MaxZ)

	previewKey := "odm/preview.png"
	orthoPath := filepath.Join(job.OutputDir, "odm", "odm_orthophoto.tif")
	if err := job.Tools.GDAL().Preview(ctx, orthoPath, filepath.Join(job.OutputDir, filepath.FromSlash(previewKey)), previewMaxDim); err != nil {
		return nil, fmt.Errorf("orthophoto preview: %w", err)
	}
	preview, err := newProduct(job.OutputDir, previewKey, "")
	if err != nil {
		return nil, err
	}
	products = append(products, preview)

	if err := man.write(job.OutputDir, started, time.Now(), products); err != nil {
		return nil, err
	}

	logger.Info().
		Int("products", len(products)).
		Uint64("points", header.PointCount).
		Msg("reconstruction finished")
	return products, nil
}

// findPointCloud returns the first present point cloud variant, relative
// to the project directory.
func findPointCloud(projectDir string) (string, error) {
	for _, rel := range odmPointClouds {
		if _, err := os.Stat(filepath.Join(projectDir, filepath.FromSlash(rel))); err == nil {
			return rel, nil
		}
	}
	return "", fmt.Errorf("product odm_georeferenced_model.laz|.las missing after reconstruction")
}

// verifyOutput guards against a reconstruction that exited zero but left
// a truncated tree.
func verifyOutput(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("product %s missing after reconstruction: %w", filepath.Base(path), err)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("product %s is empty after reconstruction", filepath.Base(path))
	}
	return nil
}

// linkImages hard-links every image under srcDir into the flat dstDir,
// falling back to a copy when linking fails, and returns how many
// landed. The reconstruction reads a flat images directory.
func linkImages(srcDir, dstDir string) (int, error) {
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return 0, err
	}
	n := 0
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isImageFile(d.Name()) {
			return nil
		}
		dst := filepath.Join(dstDir, d.Name())
		if err := os.Link(p, dst); err != nil {
			if err := copyFile(p, dst); err != nil {
				return err
			}
		}
		n++
		return nil
	})
	return n, err
}

func isImageFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".tif", ".tiff":
		return true
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
