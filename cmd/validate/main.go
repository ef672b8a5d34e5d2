// validate compares the results of an extraction run against master
// copies.
//
// Usage:
//
//	validate [flags] <suffix>[,<suffix>...] [dataset-regexp]
//
// The first argument lists the file name endings to locate and compare,
// comma-separated. The optional second argument filters which dataset
// subfolders are compared, as a regular expression matched against the
// folder path.
//
// Exit codes:
//   - 0: all compared pairs match
//   - 1: at least one pair failed validation
//   - 2: usage error
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/agriscope/gleaner/internal/validate"
)

var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	masters := fs.String("masters", "./compare", "directory holding the reference results")
	produced := fs.String("produced", "./datasets", "directory holding the produced results")
	hashDistance := fs.Int("hash-distance", 0, "max perceptual hash distance for rasters (0 disables)")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, Version)
		return 0
	}

	rest := fs.Args()
	if len(rest) < 1 || strings.TrimSpace(rest[0]) == "" {
		fmt.Fprintln(stderr, "Error: missing filename suffix argument")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Usage:")
		fmt.Fprintln(stderr, "  validate _ortho.tif")
		fmt.Fprintln(stderr, "  validate _ortho.tif,_report.txt 'maize-.*'")
		return 2
	}

	var suffixes []string
	for _, s := range strings.Split(rest[0], ",") {
		if s = strings.TrimSpace(s); s != "" {
			suffixes = append(suffixes, s)
		}
	}

	var filter *regexp.Regexp
	if len(rest) > 1 && rest[1] != "" {
		var err error
		filter, err = regexp.Compile(rest[1])
		if err != nil {
			fmt.Fprintf(stderr, "Error: invalid dataset filter: %v\n", err)
			return 2
		}
	}

	pairs, err := validate.Run(validate.Options{
		MastersDir:         *masters,
		ProducedDir:        *produced,
		Suffixes:           suffixes,
		DatasetFilter:      filter,
		PerceptualDistance: *hashDistance,
	})
	if err == nil && len(pairs) == 0 {
		err = fmt.Errorf("nothing to compare")
	}

	for _, p := range pairs {
		fmt.Fprintf(stdout, "Master file:   %s\n", orNone(p.Master))
		fmt.Fprintf(stdout, "Produced file: %s\n", orNone(p.Produced))
		if p.Err != nil {
			fmt.Fprintf(stdout, "FAIL %s: %v\n", p.Suffix, p.Err)
		} else {
			fmt.Fprintf(stdout, "ok   %s\n", p.Suffix)
		}
	}

	if err != nil {
		fmt.Fprintf(stderr, "Validation failed:\n  %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Validation passed: %d pair(s) compared\n", len(pairs))
	return 0
}

func orNone(path string) string {
	if path == "" {
		return "(none)"
	}
	return path
}
