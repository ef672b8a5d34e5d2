// Package exec runs the external tools extractors depend on: the GDAL
// raster utilities, the OpenDroneMap pipeline, ImageMagick previews and
// operator-supplied scripts. Every invocation is one-shot, runs in its own
// process group and is torn down group-wide when its context ends. A stub
// factory replaces the binaries in virtual mode and in tests.
package exec

import (
	"context"
	"time"

	"github.com/paulmach/orb"
)

// Reason values describe how a tool run ended.
const (
	ReasonClean     = "clean"
	ReasonCtxCancel = "ctx_cancel"
	ReasonError     = "error"
)

// Result describes one finished tool run. It is populated even when the run
// failed, so callers can surface exit codes and captured stderr.
type Result struct {
	Code      int
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time

	// Stdout is set only for invocations that requested capture.
	Stdout []byte

	// Stderr holds the last lines the tool wrote, oldest first.
	Stderr []string
}

// Duration returns the wall-clock run time.
func (r Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// RasterInfo is the subset of gdalinfo output extractors act on.
type RasterInfo struct {
	Width  int
	Height int
	Bands  int

	// CRS is the authority code of the native projection when the tool
	// reports one, e.g. "EPSG:32632".
	CRS string

	// Bound is the raster's extent in WGS84 lon/lat.
	Bound orb.Bound
}

// GDAL wraps the raster tool chain.
type GDAL interface {
	// Probe inspects a raster and returns its dimensions and extent.
	Probe(ctx context.Context, path string) (*RasterInfo, error)

	// Clip cuts src to the WGS84 bound and writes a GeoTIFF to dst.
	Clip(ctx context.Context, src, dst string, b orb.Bound) error

	// Translate rewrites src as a compressed, tiled GeoTIFF at dst.
	Translate(ctx context.Context, src, dst string) error

	// Preview renders src as an image no larger than maxDim on either
	// axis and writes it to dst. The format follows dst's extension.
	Preview(ctx context.Context, src, dst string, maxDim int) error
}

// ODM runs a photogrammetry reconstruction over a staged project tree.
type ODM interface {
	// Reconstruct processes projectRoot/projectName/images and leaves
	// the products under projectRoot/projectName.
	Reconstruct(ctx context.Context, projectRoot, projectName string) error
}

// Script executes an operator-supplied extractor entrypoint.
type Script interface {
	// Run executes the script with dir as working directory and env
	// appended to the daemon environment.
	Run(ctx context.Context, path, dir string, env []string) (Result, error)
}

// Factory hands out tool implementations. The daemon builds one factory at
// startup; extractors receive it and never touch binaries directly.
type Factory interface {
	GDAL() GDAL
	ODM() ODM
	Script() Script
}
