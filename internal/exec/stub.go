package exec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/agriscope/gleaner/internal/las"
)

// StubFactory fabricates tool results without external binaries. It backs
// virtual mode and tests: clips and previews become small deterministic
// files, reconstruction lays out the full ODM product tree, and scripts
// succeed without running anything.
type StubFactory struct {
	// ProbeInfo is returned by every Probe call. The default extent spans
	// the whole world so any plot boundary intersects it.
	ProbeInfo RasterInfo

	mu    sync.Mutex
	calls []string
}

var _ Factory = (*StubFactory)(nil)

// NewStubFactory creates a StubFactory with a world-spanning probe result.
func NewStubFactory() *StubFactory {
	return &StubFactory{
		ProbeInfo: RasterInfo{
			Width:  4096,
			Height: 4096,
			Bands:  4,
			CRS:    "EPSG:4326",
			Bound:  orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}},
		},
	}
}

func (f *StubFactory) GDAL() GDAL     { return &stubGDAL{f: f} }
func (f *StubFactory) ODM() ODM       { return &stubODM{f: f} }
func (f *StubFactory) Script() Script { return &stubScript{f: f} }

// Calls returns the recorded invocations in order.
func (f *StubFactory) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *StubFactory) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

type stubGDAL struct {
	f *StubFactory
}

func (g *stubGDAL) Probe(ctx context.Context, path string) (*RasterInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.f.record("gdalinfo %s", path)
	info := g.f.ProbeInfo
	return &info, nil
}

func (g *stubGDAL) Clip(ctx context.Context, src, dst string, b orb.Bound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.f.record("gdalwarp %s %s", src, dst)
	content := fmt.Sprintf("stub clip of %s to [%g %g %g %g]\n",
		filepath.Base(src), b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y())
	return writeArtifact(dst, []byte(content))
}

func (g *stubGDAL) Translate(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.f.record("gdal_translate %s %s", src, dst)
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeArtifact(dst, data)
}

func (g *stubGDAL) Preview(ctx context.Context, src, dst string, maxDim int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.f.record("convert %s %s", src, dst)
	return writeArtifact(dst, previewPNG())
}

type stubODM struct {
	f *StubFactory
}

// Reconstruct lays out the ODM product tree gleaner collects: orthophoto,
// surface and terrain models, and the georeferenced point cloud. The
// cloud is written as .laz, the current reconstruction default; its
// header block is a plain LAS header, which is exactly what real LAZ
// keeps uncompressed.
func (o *stubODM) Reconstruct(ctx context.Context, projectRoot, projectName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.f.record("odm %s", projectName)

	base := filepath.Join(projectRoot, projectName)
	bound := o.f.ProbeInfo.Bound
	cloud := las.EncodeHeader(&las.Header{
		PointFormat: 2,
		PointCount:  250000,
		MinX:        bound.Min.X(), MinY: bound.Min.Y(), MinZ: 0,
		MaxX: bound.Max.X(), MaxY: bound.Max.Y(), MaxZ: 120,
	})

	files := map[string][]byte{
		filepath.Join(base, "odm_orthophoto", "odm_orthophoto.tif"):              []byte("stub orthophoto\n"),
		filepath.Join(base, "odm_dem", "dsm.tif"):                                []byte("stub surface model\n"),
		filepath.Join(base, "odm_dem", "dtm.tif"):                                []byte("stub terrain model\n"),
		filepath.Join(base, "odm_georeferencing", "odm_georeferenced_model.laz"): cloud,
	}
	for path, data := range files {
		if err := writeArtifact(path, data); err != nil {
			return err
		}
	}
	return nil
}

type stubScript struct {
	f *StubFactory
}

func (s *stubScript) Run(ctx context.Context, path, dir string, env []string) (Result, error) {
	now := time.Now()
	if err := ctx.Err(); err != nil {
		return Result{Code: -1, Reason: ReasonCtxCancel, StartedAt: now, EndedAt: now}, err
	}
	s.f.record("script %s", path)

	res := Result{Reason: ReasonClean, StartedAt: now, EndedAt: time.Now()}
	if out := envValue(env, "GLEANER_OUTPUT_DIR"); out != "" {
		if err := writeArtifact(filepath.Join(out, "result.txt"), []byte("stub extractor output\n")); err != nil {
			res.Code = 1
			res.Reason = ReasonError
			return res, err
		}
	}
	return res, nil
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// previewPNG renders a small gradient so stub previews are real images.
func previewPNG() []byte {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) * 16)})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
