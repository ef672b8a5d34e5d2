package exec

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Trimmed from real gdalinfo -json output for a UTM orthophoto.
const sampleGdalinfo = `{
  "description": "ortho.tif",
  "driverShortName": "GTiff",
  "driverLongName": "GeoTIFF",
  "files": ["ortho.tif"],
  "size": [8192, 6144],
  "coordinateSystem": {
    "wkt": "PROJCRS[\"WGS 84 / UTM zone 32N\"]",
    "dataAxisToSRSAxisMapping": [1, 2]
  },
  "wgs84Extent": {
    "type": "Polygon",
    "coordinates": [[[11.51, 48.14], [11.51, 48.12], [11.53, 48.12], [11.53, 48.14], [11.51, 48.14]]]
  },
  "bands": [
    {"band": 1, "type": "Byte", "colorInterpretation": "Red"},
    {"band": 2, "type": "Byte", "colorInterpretation": "Green"},
    {"band": 3, "type": "Byte", "colorInterpretation": "Blue"},
    {"band": 4, "type": "Byte", "colorInterpretation": "Alpha"}
  ],
  "stac": {"proj:epsg": 32632}
}`

func TestParseRasterInfo(t *testing.T) {
	info, err := parseRasterInfo([]byte(sampleGdalinfo))
	require.NoError(t, err)

	assert.Equal(t, 8192, info.Width)
	assert.Equal(t, 6144, info.Height)
	assert.Equal(t, 4, info.Bands)
	assert.Equal(t, "EPSG:32632", info.CRS)

	assert.InDelta(t, 11.51, info.Bound.Min.X(), 1e-9)
	assert.InDelta(t, 48.12, info.Bound.Min.Y(), 1e-9)
	assert.InDelta(t, 11.53, info.Bound.Max.X(), 1e-9)
	assert.InDelta(t, 48.14, info.Bound.Max.Y(), 1e-9)
}

func TestParseRasterInfoMissingSize(t *testing.T) {
	_, err := parseRasterInfo([]byte(`{"bands": []}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size")
}

func TestParseRasterInfoNotGeoreferenced(t *testing.T) {
	_, err := parseRasterInfo([]byte(`{"size": [100, 100], "bands": [{"band": 1}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not georeferenced")
}

func TestParseRasterInfoBadExtent(t *testing.T) {
	_, err := parseRasterInfo([]byte(`{"size": [100, 100], "wgs84Extent": {"type": "Bogus"}}`))
	require.Error(t, err)
}

func TestParseRasterInfoWithoutEPSG(t *testing.T) {
	raw := `{
	  "size": [10, 10],
	  "bands": [{"band": 1}],
	  "wgs84Extent": {"type": "Polygon", "coordinates": [[[0,0],[0,1],[1,1],[1,0],[0,0]]]}
	}`
	info, err := parseRasterInfo([]byte(raw))
	require.NoError(t, err)
	assert.Empty(t, info.CRS)
}

func TestWarpArgs(t *testing.T) {
	b := orb.Bound{Min: orb.Point{11.51, 48.12}, Max: orb.Point{11.53, 48.14}}
	args := warpArgs("in.tif", "out.tif", b)

	assert.Equal(t, []string{
		"-te", "11.51", "48.12", "11.53", "48.14",
		"-te_srs", "EPSG:4326",
		"-of", "GTiff",
		"-co", "COMPRESS=DEFLATE",
		"-overwrite",
		"in.tif", "out.tif",
	}, args)
}

func TestWarpArgsNegativeCoordinates(t *testing.T) {
	b := orb.Bound{Min: orb.Point{-71.25, -33.5}, Max: orb.Point{-71.2, -33.45}}
	args := warpArgs("in.tif", "out.tif", b)

	assert.Equal(t, "-71.25", args[1])
	assert.Equal(t, "-33.5", args[2])
}

func TestTranslateArgs(t *testing.T) {
	assert.Equal(t, []string{
		"-of", "GTiff",
		"-co", "COMPRESS=DEFLATE",
		"-co", "TILED=YES",
		"clip.tif", "product.tif",
	}, translateArgs("clip.tif", "product.tif"))
}

func TestPreviewArgs(t *testing.T) {
	assert.Equal(t, []string{
		"clip.tif[0]",
		"-resize", "512x512>",
		"-auto-orient",
		"preview.png",
	}, previewArgs("clip.tif", "preview.png", 512))
}
