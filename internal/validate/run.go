package validate

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/corona10/goimagehash"
)

// Options configure a comparison run.
type Options struct {
	// MastersDir holds the reference results; ProducedDir holds what an
	// extraction run generated.
	MastersDir  string
	ProducedDir string

	// Suffixes are the file name endings to locate and compare.
	Suffixes []string

	// DatasetFilter narrows which immediate subfolders are compared.
	// Nil compares the roots directly.
	DatasetFilter *regexp.Regexp

	// PerceptualDistance, when positive, additionally compares raster
	// pairs by perceptual hash with this maximum Hamming distance.
	PerceptualDistance int
}

// Pair is one master/produced comparison outcome.
type Pair struct {
	Suffix   string
	Dataset  string
	Master   string
	Produced string
	Err      error
}

// Run locates and compares every suffix across the filtered dataset
// folders. The returned error aggregates all failing pairs; the slice
// reports every pair either way.
func Run(opts Options) ([]Pair, error) {
	folders, err := runFolders(opts)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	var failures []error
	for _, suffix := range opts.Suffixes {
		for _, folder := range folders {
			pair := comparePair(opts, suffix, folder)
			pairs = append(pairs, pair)
			if pair.Err != nil {
				failures = append(failures, fmt.Errorf("%s (dataset %q): %w", suffix, folder, pair.Err))
			}
		}
	}
	return pairs, errors.Join(failures...)
}

// runFolders resolves the dataset subfolders a run iterates. With a
// filter, the masters tree decides; the produced tree is the fallback;
// no matches anywhere still compares the roots once.
func runFolders(opts Options) ([]string, error) {
	if opts.DatasetFilter == nil {
		return []string{""}, nil
	}
	folders, err := FilteredFolders(opts.MastersDir, opts.DatasetFilter)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		folders, err = FilteredFolders(opts.ProducedDir, opts.DatasetFilter)
		if err != nil {
			return nil, err
		}
	}
	if len(folders) == 0 {
		return []string{""}, nil
	}
	return folders, nil
}

func comparePair(opts Options, suffix, folder string) Pair {
	pair := Pair{Suffix: suffix, Dataset: folder}

	master, err := FindFileMatch(filepath.Join(opts.MastersDir, folder), suffix)
	if err != nil {
		pair.Err = err
		return pair
	}
	produced, findErr := FindFileMatch(filepath.Join(opts.ProducedDir, folder), suffix)
	if findErr != nil {
		pair.Err = findErr
		return pair
	}
	pair.Master = master
	pair.Produced = produced

	if master == "" {
		pair.Err = fmt.Errorf("missing master file for %q", suffix)
		return pair
	}
	if produced == "" {
		pair.Err = fmt.Errorf("missing produced file for %q", suffix)
		return pair
	}

	if err := CompareFile(master, produced); err != nil {
		pair.Err = err
		return pair
	}
	if opts.PerceptualDistance > 0 && isRasterPath(master) {
		pair.Err = comparePerceptual(master, produced, opts.PerceptualDistance)
	}
	return pair
}

func isRasterPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff", ".png":
		return true
	}
	return false
}

// comparePerceptual checks that both perceptual hash approaches agree
// within maxDistance bits.
func comparePerceptual(master, produced string, maxDistance int) error {
	masterIm, err := decodeImage(master)
	if err != nil {
		return fmt.Errorf("decode master %s: %w", master, err)
	}
	producedIm, err := decodeImage(produced)
	if err != nil {
		return fmt.Errorf("decode produced %s: %w", produced, err)
	}

	for approach, hash := range map[string]func(image.Image) (*goimagehash.ImageHash, error){
		"avg":  goimagehash.AverageHash,
		"diff": goimagehash.DifferenceHash,
	} {
		mh, err := hash(masterIm)
		if err != nil {
			return err
		}
		ph, err := hash(producedIm)
		if err != nil {
			return err
		}
		distance, err := mh.Distance(ph)
		if err != nil {
			return err
		}
		if distance > maxDistance {
			return fmt.Errorf("%s hash distance %d exceeds %d for %s", approach, distance, maxDistance, produced)
		}
	}
	return nil
}
