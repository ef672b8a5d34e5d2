package exec

import (
	"context"
	"fmt"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"

	"github.com/agriscope/gleaner/internal/config"
)

// realGDAL shells out to the GDAL utilities plus ImageMagick for previews.
type realGDAL struct {
	run          *Runner
	warpBin      string
	translateBin string
	infoBin      string
	convertBin   string
}

var _ GDAL = (*realGDAL)(nil)

func newGDAL(tools config.ToolsConfig) *realGDAL {
	return &realGDAL{
		run:          NewRunner(tools.KillTimeout),
		warpBin:      tools.GDALWarp,
		translateBin: tools.GDALTranslate,
		infoBin:      tools.GDALInfo,
		convertBin:   tools.Convert,
	}
}

func (g *realGDAL) Probe(ctx context.Context, path string) (*RasterInfo, error) {
	res, err := g.run.Run(ctx, Spec{
		Name:          "gdalinfo",
		Bin:           g.infoBin,
		Args:          []string{"-json", path},
		CaptureStdout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	info, err := parseRasterInfo(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	return info, nil
}

// parseRasterInfo extracts dimensions, band count, CRS and the WGS84 extent
// from gdalinfo -json output.
func parseRasterInfo(out []byte) (*RasterInfo, error) {
	size := gjson.GetBytes(out, "size").Array()
	if len(size) != 2 {
		return nil, fmt.Errorf("gdalinfo output carries no size")
	}
	info := &RasterInfo{
		Width:  int(size[0].Int()),
		Height: int(size[1].Int()),
		Bands:  int(gjson.GetBytes(out, "bands.#").Int()),
	}

	if epsg := gjson.GetBytes(out, "stac.proj:epsg"); epsg.Exists() {
		info.CRS = "EPSG:" + epsg.String()
	}

	// Rasters without georeferencing have no wgs84Extent; those cannot be
	// matched against plot boundaries.
	extent := gjson.GetBytes(out, "wgs84Extent")
	if !extent.Exists() {
		return nil, fmt.Errorf("gdalinfo output carries no wgs84Extent; raster is not georeferenced")
	}
	geom, err := geojson.UnmarshalGeometry([]byte(extent.Raw))
	if err != nil {
		return nil, fmt.Errorf("wgs84Extent: %w", err)
	}
	info.Bound = geom.Geometry().Bound()
	return info, nil
}

func (g *realGDAL) Clip(ctx context.Context, src, dst string, b orb.Bound) error {
	if _, err := g.run.Run(ctx, Spec{
		Name: "gdalwarp",
		Bin:  g.warpBin,
		Args: warpArgs(src, dst, b),
	}); err != nil {
		return fmt.Errorf("clip to %s: %w", dst, err)
	}
	return nil
}

// warpArgs cuts src to the WGS84 bound. -te_srs keeps the bound in lon/lat
// regardless of the raster's native projection.
func warpArgs(src, dst string, b orb.Bound) []string {
	return []string{
		"-te", coord(b.Min.X()), coord(b.Min.Y()), coord(b.Max.X()), coord(b.Max.Y()),
		"-te_srs", "EPSG:4326",
		"-of", "GTiff",
		"-co", "COMPRESS=DEFLATE",
		"-overwrite",
		src, dst,
	}
}

func coord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (g *realGDAL) Translate(ctx context.Context, src, dst string) error {
	if _, err := g.run.Run(ctx, Spec{
		Name: "gdal_translate",
		Bin:  g.translateBin,
		Args: translateArgs(src, dst),
	}); err != nil {
		return fmt.Errorf("translate to %s: %w", dst, err)
	}
	return nil
}

func translateArgs(src, dst string) []string {
	return []string{
		"-of", "GTiff",
		"-co", "COMPRESS=DEFLATE",
		"-co", "TILED=YES",
		src, dst,
	}
}

func (g *realGDAL) Preview(ctx context.Context, src, dst string, maxDim int) error {
	if _, err := g.run.Run(ctx, Spec{
		Name: "convert",
		Bin:  g.convertBin,
		Args: previewArgs(src, dst, maxDim),
	}); err != nil {
		return fmt.Errorf("preview to %s: %w", dst, err)
	}
	return nil
}

// previewArgs shrinks to fit maxDim without enlarging. The [0] selector
// reads only the first page of multi-page TIFFs.
func previewArgs(src, dst string, maxDim int) []string {
	return []string{
		src + "[0]",
		"-resize", fmt.Sprintf("%dx%d>", maxDim, maxDim),
		"-auto-orient",
		dst,
	}
}
