// Package extractor implements gleaner's imagery pipelines: the built-in
// clipbyshape and opendronemap extractors plus the operator-script
// fallback. An extractor consumes a staged dataset directory and leaves
// products and a metadata.json manifest in the job's output directory;
// the worker publishes whatever it leaves behind.
package extractor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agriscope/gleaner/internal/cache"
	"github.com/agriscope/gleaner/internal/exec"
	"github.com/agriscope/gleaner/internal/model"
	"github.com/agriscope/gleaner/internal/plots"
)

// Product is one file an extractor produced, with the detail the manifest
// records about it.
type Product struct {
	// Key is the output path relative to the job output directory. It
	// becomes the object key suffix on publish.
	Key string

	// Plot is the slug of the field plot the product was clipped to,
	// when the pipeline works per plot.
	Plot string

	Bytes  int64
	SHA256 string

	// Hashes holds perceptual hashes of preview images, keyed by
	// approach ("avg", "diff").
	Hashes map[string]string
}

// ImageLister walks a dataset's image objects. *dataset.Store satisfies
// it; tests substitute fixed listings.
type ImageLister interface {
	WalkImages(ctx context.Context, datasetID string, fn func(key string, size int64) error) error
}

// Context carries everything one extraction run needs. The worker fills
// it before calling InputKeys; WorkDir, InputDir and OutputDir exist on
// disk by the time Run starts.
type Context struct {
	JobID     string
	DatasetID string

	// Metadata is the free-form request metadata forwarded by the
	// submitter.
	Metadata map[string]any

	// Images lists the dataset's image objects for pre-stage decisions.
	Images ImageLister

	// WorkDir is the job's scratch root. InputDir holds the staged
	// dataset, OutputDir receives products; both live under WorkDir.
	WorkDir   string
	InputDir  string
	OutputDir string

	Tools exec.Factory
	Plots *plots.Registry
	Cache cache.Cache

	// MinImages gates reconstruction pipelines.
	MinImages int
}

// Extractor is one named pipeline.
type Extractor interface {
	// Name identifies the extractor in manifests, logs and queue names.
	Name() string

	// Version is recorded in every manifest the extractor writes.
	Version() string

	// InputKeys returns the dataset-relative keys worth staging, or nil
	// to stage the whole dataset. It runs before any download and may
	// end the job early with a SkipError or PermanentError.
	InputKeys(ctx context.Context, job Context) ([]string, error)

	// Run executes the pipeline over job.InputDir and leaves products
	// and a manifest under job.OutputDir.
	Run(ctx context.Context, job Context) ([]Product, error)
}

// SkipError ends a job as SKIPPED: there is nothing to do for this
// dataset, by design rather than by failure.
type SkipError struct {
	Reason model.ReasonCode
	Detail string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skipped (%s): %s", e.Reason, e.Detail)
}

// PermanentError ends a job as FAILED without requeue. Retrying cannot
// change the outcome.
type PermanentError struct {
	Reason model.ReasonCode
	Detail string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Registry maps extractor names to implementations.
type Registry struct {
	byName map[string]Extractor
}

// NewRegistry builds a registry over the given extractors.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{byName: make(map[string]Extractor, len(extractors))}
	for _, e := range extractors {
		r.byName[e.Name()] = e
	}
	return r
}

// Defaults returns the registry of built-in pipelines.
func Defaults() *Registry {
	return NewRegistry(NewClipByShape(), NewOpenDroneMap())
}

// Lookup resolves a MAIN_SCRIPT selector. A known name returns the
// built-in; a value containing a path separator runs as an operator
// script; anything else is an error.
func (r *Registry) Lookup(selector string) (Extractor, error) {
	if e, ok := r.byName[selector]; ok {
		return e, nil
	}
	if strings.ContainsRune(selector, '/') {
		return NewScript(selector), nil
	}
	return nil, fmt.Errorf("extractor: unknown selector %q (built-ins: %s)",
		selector, strings.Join(r.Names(), ", "))
}

// Names returns the registered extractor names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
