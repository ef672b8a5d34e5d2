package validate

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"golang.org/x/image/tiff"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// gradient renders a deterministic grayscale test image.
func gradient(w, h int, shift uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x*8+y) + shift})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeTIFF(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode tiff: %v", err)
	}
	return buf.Bytes()
}

func TestFindFileMatchFilesBeforeSubdirs(t *testing.T) {
	dir := t.TempDir()
	// The subdirectory sorts before the top-level file; files still win.
	writeFile(t, filepath.Join(dir, "a_sub", "early_result.txt"), []byte("sub"))
	writeFile(t, filepath.Join(dir, "z_result.txt"), []byte("top"))

	got, err := FindFileMatch(dir, "_result.txt")
	if err != nil {
		t.Fatalf("FindFileMatch: %v", err)
	}
	if want := filepath.Join(dir, "z_result.txt"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFindFileMatchRecursesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b_sub", "x_result.txt"), []byte("b"))
	writeFile(t, filepath.Join(dir, "c_sub", "y_result.txt"), []byte("c"))

	got, err := FindFileMatch(dir, "_result.txt")
	if err != nil {
		t.Fatalf("FindFileMatch: %v", err)
	}
	if want := filepath.Join(dir, "b_sub", "x_result.txt"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFindFileMatchSkipsHidden(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".hidden_result.txt"), []byte("no"))
	writeFile(t, filepath.Join(dir, ".hiddendir", "a_result.txt"), []byte("no"))

	got, err := FindFileMatch(dir, "_result.txt")
	if err != nil {
		t.Fatalf("FindFileMatch: %v", err)
	}
	if got != "" {
		t.Errorf("expected no match, got %q", got)
	}
}

func TestFindFileMatchMissingDir(t *testing.T) {
	got, err := FindFileMatch(filepath.Join(t.TempDir(), "absent"), ".tif")
	if err != nil {
		t.Fatalf("FindFileMatch: %v", err)
	}
	if got != "" {
		t.Errorf("expected no match, got %q", got)
	}
}

func TestFilteredFolders(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"maize-2026", "wheat-2026", ".git"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o750); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(root, "stray.txt"), []byte("x"))

	all, err := FilteredFolders(root, nil)
	if err != nil {
		t.Fatalf("FilteredFolders: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("nil filter: got %v", all)
	}

	maize, err := FilteredFolders(root, regexp.MustCompile(`maize`))
	if err != nil {
		t.Fatalf("FilteredFolders: %v", err)
	}
	if len(maize) != 1 || maize[0] != "maize-2026" {
		t.Errorf("filtered: got %v", maize)
	}

	none, err := FilteredFolders(root, regexp.MustCompile(`soy`))
	if err != nil {
		t.Fatalf("FilteredFolders: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for no matches, got %v", none)
	}
}

func TestCompareFileSizeGate(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "master.bin")
	writeFile(t, master, bytes.Repeat([]byte("m"), 1000))

	within := filepath.Join(dir, "within.bin")
	writeFile(t, within, bytes.Repeat([]byte("p"), 1100))
	if err := CompareFile(master, within); err != nil {
		t.Errorf("10%% drift should pass: %v", err)
	}

	over := filepath.Join(dir, "over.bin")
	writeFile(t, over, bytes.Repeat([]byte("p"), 1101))
	if err := CompareFile(master, over); err == nil {
		t.Error("drift above 10% should fail")
	}
}

func TestCompareFileEmptyMaster(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "master.txt")
	writeFile(t, master, nil)

	empty := filepath.Join(dir, "empty.txt")
	writeFile(t, empty, nil)
	if err := CompareFile(master, empty); err != nil {
		t.Errorf("both empty should pass: %v", err)
	}

	full := filepath.Join(dir, "full.txt")
	writeFile(t, full, []byte("data"))
	if err := CompareFile(master, full); err == nil {
		t.Error("non-empty produced against empty master should fail")
	}
}

func TestCompareFileIdenticalPNG(t *testing.T) {
	dir := t.TempDir()
	data := encodePNG(t, gradient(64, 64, 0))
	master := filepath.Join(dir, "master.png")
	produced := filepath.Join(dir, "produced.png")
	writeFile(t, master, data)
	writeFile(t, produced, data)

	if err := CompareFile(master, produced); err != nil {
		t.Errorf("identical images should pass: %v", err)
	}
}

func TestCompareFileShiftedPixelsFail(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "master.png")
	produced := filepath.Join(dir, "produced.png")
	// Every sample lands in bin 64, far past the start index.
	writeFile(t, master, encodePNG(t, gradient(64, 64, 0)))
	writeFile(t, produced, encodePNG(t, gradient(64, 64, 64)))

	if err := CompareFile(master, produced); err == nil {
		t.Error("uniformly shifted image should fail the histogram")
	}
}

func TestCompareFileFewOutliersPass(t *testing.T) {
	dir := t.TempDir()
	base := gradient(64, 64, 0)
	outliers := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			outliers.SetGray(x, y, base.At(x, y).(color.Gray))
		}
	}
	// 30 pixels drift hard: 90 samples stay under the 100-sample bin cap.
	for i := 0; i < 30; i++ {
		outliers.SetGray(i, 0, color.Gray{Y: 255})
	}

	master := filepath.Join(dir, "master.png")
	produced := filepath.Join(dir, "produced.png")
	writeFile(t, master, encodePNG(t, base))
	writeFile(t, produced, encodePNG(t, outliers))

	// compareImages directly: the point is the histogram tolerance, not
	// the compressed-size gate.
	if err := compareImages(master, produced); err != nil {
		t.Errorf("a handful of outlier pixels should pass: %v", err)
	}
}

func TestCompareFileDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "master.png")
	produced := filepath.Join(dir, "produced.png")
	writeFile(t, master, encodePNG(t, gradient(64, 64, 0)))
	writeFile(t, produced, encodePNG(t, gradient(32, 32, 0)))

	err := compareImages(master, produced)
	if err == nil {
		t.Fatal("dimension mismatch should fail")
	}
	if !strings.Contains(err.Error(), "dimensions differ") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCompareFileTIFF(t *testing.T) {
	dir := t.TempDir()
	data := encodeTIFF(t, gradient(48, 48, 0))
	master := filepath.Join(dir, "master.tif")
	produced := filepath.Join(dir, "produced.tif")
	writeFile(t, master, data)
	writeFile(t, produced, data)

	if err := CompareFile(master, produced); err != nil {
		t.Errorf("identical TIFFs should pass: %v", err)
	}
}

func TestCompareFileNonRasterPassesOnSize(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "master.las")
	produced := filepath.Join(dir, "produced.las")
	writeFile(t, master, bytes.Repeat([]byte("a"), 500))
	writeFile(t, produced, bytes.Repeat([]byte("b"), 510))

	if err := CompareFile(master, produced); err != nil {
		t.Errorf("non-raster within size gate should pass: %v", err)
	}
}
