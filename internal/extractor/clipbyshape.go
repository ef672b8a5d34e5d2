package extractor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/mknote"

	"github.com/agriscope/gleaner/internal/exec"
	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/model"
	"github.com/agriscope/gleaner/internal/plots"
)

const clipVersion = "1.3.0"

// previewMaxDim bounds preview images on their longer axis.
const previewMaxDim = 1024

// plotCacheTTL bounds how long plot intersection lookups are reused.
// Consecutive rasters of one flight share nearly identical extents.
const plotCacheTTL = 5 * time.Minute

// ClipByShape clips every georeferenced raster of a dataset to the field
// plots its extent intersects. Each hit yields a compressed GeoTIFF and
// a PNG preview under the plot's slug directory.
type ClipByShape struct{}

func NewClipByShape() *ClipByShape { return &ClipByShape{} }

func (c *ClipByShape) Name() string    { return "clipbyshape" }
func (c *ClipByShape) Version() string { return clipVersion }

// InputKeys selects the dataset's GeoTIFF objects. Plain photos carry no
// projection and cannot be clipped.
func (c *ClipByShape) InputKeys(ctx context.Context, job Context) ([]string, error) {
	var keys []string
	err := job.Images.WalkImages(ctx, job.DatasetID, func(key string, size int64) error {
		if isRasterKey(key) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list rasters: %w", err)
	}
	if len(keys) == 0 {
		return nil, &SkipError{Reason: model.RNoInputs, Detail: "dataset has no GeoTIFF rasters"}
	}
	return keys, nil
}

func isRasterKey(key string) bool {
	switch strings.ToLower(path.Ext(key)) {
	case ".tif", ".tiff":
		return true
	}
	return false
}

// plotClips accumulates per-plot manifest detail across rasters.
type plotClips struct {
	plot  *plots.Plot
	clips int
	gps   *gpsFix
}

func (c *ClipByShape) Run(ctx context.Context, job Context) ([]Product, error) {
	logger := log.WithComponentFromContext(ctx, "clipbyshape")
	started := time.Now()
	gdal := job.Tools.GDAL()

	rasters, err := stagedRasters(job.InputDir)
	if err != nil {
		return nil, err
	}

	var products []Product
	stats := map[string]*plotClips{}
	probed := 0

	for _, raster := range rasters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := gdal.Probe(ctx, raster.path)
		if err != nil {
			logger.Warn().Err(err).Str("raster", raster.rel).Msg("raster not usable, skipping")
			continue
		}
		probed++

		hits, err := c.intersecting(ctx, job, info.Bound)
		if err != nil {
			return nil, fmt.Errorf("plot lookup for %s: %w", raster.rel, err)
		}
		if len(hits) == 0 {
			logger.Debug().Str("raster", raster.rel).Msg("no plots intersect raster")
			continue
		}

		gps := sourceGPS(raster.path)
		for _, plot := range hits {
			clipped, err := clipPlot(ctx, job, gdal, raster, plot)
			if err != nil {
				return nil, err
			}
			products = append(products, clipped...)

			s := stats[plot.Slug]
			if s == nil {
				s = &plotClips{plot: plot}
				stats[plot.Slug] = s
			}
			s.clips++
			if s.gps == nil {
				s.gps = gps
			}
		}
	}

	if probed == 0 {
		return nil, fmt.Errorf("none of %d staged rasters could be probed", len(rasters))
	}
	if len(stats) == 0 {
		return nil, &SkipError{
			Reason: model.RNoPlots,
			Detail: fmt.Sprintf("no registered plot intersects any of %d rasters", probed),
		}
	}

	man := newManifest(c.Name(), c.Version(), job)
	for slug, s := range stats {
		prefix := "plots." + slug + "."
		man.set(prefix+"name", s.plot.Name)
		man.set(prefix+"clips", s.clips)
		man.set(prefix+"areaM2", geo.Area(s.plot.Boundary))
		if s.gps != nil {
			man.set(prefix+"sourceGps.lat", s.gps.lat)
			man.set(prefix+"sourceGps.lon", s.gps.lon)
		}
	}
	if err := man.write(job.OutputDir, started, time.Now(), products); err != nil {
		return nil, err
	}

	logger.Info().
		Int("rasters", probed).
		Int("plots", len(stats)).
		Int("products", len(products)).
		Msg("clip finished")
	return products, nil
}

// intersecting queries the plot registry through the job cache.
func (c *ClipByShape) intersecting(ctx context.Context, job Context, b orb.Bound) ([]*plots.Plot, error) {
	key := fmt.Sprintf("plots:%.7f,%.7f,%.7f,%.7f", b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y())
	if v, ok := job.Cache.Get(key); ok {
		if hits, ok := v.([]*plots.Plot); ok {
			return hits, nil
		}
	}
	hits, err := job.Plots.Intersecting(ctx, b)
	if err != nil {
		return nil, err
	}
	job.Cache.Set(key, hits, plotCacheTTL)
	return hits, nil
}

// clipPlot cuts one raster to one plot: gdalwarp to the plot bound,
// gdal_translate into the compressed product, then a preview render. The
// warp intermediate is removed once the product exists.
func clipPlot(ctx context.Context, job Context, gdal exec.GDAL, raster stagedFile, plot *plots.Plot) ([]Product, error) {
	base := strings.TrimSuffix(path.Base(raster.rel), path.Ext(raster.rel))
	stem := base + "_" + plot.Slug

	if err := os.MkdirAll(filepath.Join(job.OutputDir, plot.Slug), 0o750); err != nil {
		return nil, fmt.Errorf("create plot dir %s: %w", plot.Slug, err)
	}

	tifKey := path.Join(plot.Slug, stem+".tif")
	pngKey := path.Join(plot.Slug, stem+".png")
	tifPath := filepath.Join(job.OutputDir, filepath.FromSlash(tifKey))
	pngPath := filepath.Join(job.OutputDir, filepath.FromSlash(pngKey))
	warpPath := filepath.Join(job.OutputDir, plot.Slug, stem+".warp.tif")

	if err := gdal.Clip(ctx, raster.path, warpPath, plot.Bound()); err != nil {
		return nil, fmt.Errorf("clip %s to plot %s: %w", raster.rel, plot.Slug, err)
	}
	if err := gdal.Translate(ctx, warpPath, tifPath); err != nil {
		return nil, fmt.Errorf("compress clip of %s for plot %s: %w", raster.rel, plot.Slug, err)
	}
	if err := os.Remove(warpPath); err != nil {
		return nil, fmt.Errorf("drop warp intermediate: %w", err)
	}
	if err := gdal.Preview(ctx, tifPath, pngPath, previewMaxDim); err != nil {
		return nil, fmt.Errorf("preview %s: %w", tifKey, err)
	}

	clip, err := newProduct(job.OutputDir, tifKey, plot.Slug)
	if err != nil {
		return nil, err
	}
	preview, err := newProduct(job.OutputDir, pngKey, plot.Slug)
	if err != nil {
		return nil, err
	}
	return []Product{clip, preview}, nil
}

// stagedFile is one input file under the staged dataset directory.
type stagedFile struct {
	path string
	rel  string
}

// stagedRasters lists the GeoTIFFs under dir in stable order.
func stagedRasters(dir string) ([]stagedFile, error) {
	var files []stagedFile
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRasterKey(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, stagedFile{path: p, rel: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk staged inputs: %w", err)
	}
	return files, nil
}

// gpsFix is a WGS84 position read from a source image's EXIF block.
type gpsFix struct {
	lat float64
	lon float64
}

// sourceGPS reads the EXIF GPS position of a raster when one is present.
// Orthophotos straight off a drone often keep the camera's EXIF block;
// anything without one simply contributes no fix.
func sourceGPS(path string) *gpsFix {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	exif.RegisterParsers(mknote.All...)
	data, err := exif.Decode(f)
	if err != nil {
		return nil
	}
	lat, lon, err := data.LatLong()
	if err != nil {
		return nil
	}
	return &gpsFix{lat: lat, lon: lon}
}
