// Package validate compares produced extraction results against master
// copies. A size gate applies to every file pair; raster formats are
// additionally decoded and compared by a histogram of per-channel pixel
// differences, so recompression noise passes while real content drift
// fails.
package validate

import (
	"errors"
	"fmt"
	"image"
	_ "image/png" // raster comparison decoding
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "golang.org/x/image/tiff" // raster comparison decoding
)

// FileSizeMaxDiffFraction is the tolerated size drift between a produced
// file and its master.
const FileSizeMaxDiffFraction = 0.10

// percentDiffAllowed is how much per-channel difference is ignored
// before histogram bins count against the result.
const percentDiffAllowed = 5.0 / 100.0

// histBinMax is the largest acceptable sample count in any counted
// difference bin. With three channels, roughly 33 drifted pixels in one
// bin fail the comparison.
const histBinMax = 100

// histStartIndex is the first difference bin that counts against the
// result.
var histStartIndex = int(math.Ceil(256 * percentDiffAllowed))

// FindFileMatch returns the first file under dir whose name ends in
// suffix. A directory's files are scanned fully before its
// subdirectories; each subdirectory is exhausted in depth before the
// next. Hidden entries are skipped. An empty path means no match; a
// missing dir is no match, not an error.
func FindFileMatch(dir, suffix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	var subdirs []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			subdirs = append(subdirs, e.Name())
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	for _, sub := range subdirs {
		found, err := FindFileMatch(filepath.Join(dir, sub), suffix)
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
	}
	return "", nil
}

// FilteredFolders returns the immediate subdirectories of root whose
// full path matches filter. A nil filter matches everything; hidden
// entries are skipped; no matches yields nil.
func FilteredFolders(root string, filter *regexp.Regexp) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var found []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if filter == nil || filter.MatchString(filepath.Join(root, e.Name())) {
			found = append(found, e.Name())
		}
	}
	return found, nil
}

// CompareFile checks produced against master: the size gate for every
// file, plus the pixel-difference histogram for raster formats.
func CompareFile(master, produced string) error {
	masterInfo, err := os.Stat(master)
	if err != nil {
		return fmt.Errorf("stat master: %w", err)
	}
	producedInfo, err := os.Stat(produced)
	if err != nil {
		return fmt.Errorf("stat produced: %w", err)
	}

	masterSize := masterInfo.Size()
	producedSize := producedInfo.Size()
	if masterSize <= 0 && producedSize > 0 {
		return fmt.Errorf("produced file %s is not empty like master %s", produced, master)
	}
	if masterSize > 0 {
		diff := masterSize - producedSize
		if diff < 0 {
			diff = -diff
		}
		if diff != 0 && float64(diff)/float64(masterSize) > FileSizeMaxDiffFraction {
			return fmt.Errorf("size of %s differs from %s by more than %.0f%%",
				produced, master, FileSizeMaxDiffFraction*100)
		}
	}
	if masterSize == 0 || producedSize == 0 {
		return nil
	}

	switch strings.ToLower(filepath.Ext(master)) {
	case ".tif", ".tiff", ".png":
		return compareImages(master, produced)
	}
	// The size gate is the whole check for other formats.
	return nil
}

func compareImages(master, produced string) error {
	masterIm, err := decodeImage(master)
	if err != nil {
		return fmt.Errorf("decode master %s: %w", master, err)
	}
	producedIm, err := decodeImage(produced)
	if err != nil {
		return fmt.Errorf("decode produced %s: %w", produced, err)
	}

	if masterIm.Bounds().Dx() != producedIm.Bounds().Dx() ||
		masterIm.Bounds().Dy() != producedIm.Bounds().Dy() {
		return fmt.Errorf("image dimensions differ: %s is %v, %s is %v",
			master, masterIm.Bounds().Size(), produced, producedIm.Bounds().Size())
	}

	hist := diffHistogram(masterIm, producedIm)
	start := histStartIndex
	if start >= len(hist) {
		start = 0
	}
	for i := start; i < len(hist); i++ {
		if hist[i] > histBinMax {
			return fmt.Errorf("image differences in %s exceed tolerance (bin %d holds %d samples, max %d)",
				produced, i, hist[i], histBinMax)
		}
	}
	return nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	im, _, err := image.Decode(f)
	return im, err
}

// diffHistogram buckets the absolute per-channel differences of two
// equally sized images into 256 bins. Every pixel contributes its red,
// green and blue deltas as separate samples.
func diffHistogram(a, b image.Image) [256]int {
	var hist [256]int
	offA, offB := a.Bounds().Min, b.Bounds().Min
	for y := 0; y < a.Bounds().Dy(); y++ {
		for x := 0; x < a.Bounds().Dx(); x++ {
			ra, ga, ba, _ := a.At(offA.X+x, offA.Y+y).RGBA()
			rb, gb, bb, _ := b.At(offB.X+x, offB.Y+y).RGBA()
			hist[chanDiff(ra, rb)]++
			hist[chanDiff(ga, gb)]++
			hist[chanDiff(ba, bb)]++
		}
	}
	return hist
}

// chanDiff reduces two 16-bit channel samples to their absolute 8-bit
// difference.
func chanDiff(a, b uint32) int {
	av, bv := int(a>>8), int(b>>8)
	if av > bv {
		return av - bv
	}
	return bv - av
}
