// submit publishes an extraction request to the broker. It is the CLI
// counterpart of POST /api/v1/extractions, useful from cron jobs and
// shell scripts.
//
// Usage:
//
//	submit -dataset field-7
//	submit -dataset field-7 -file raw/a.tif -file raw/b.tif -meta '{"crop":"maize"}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/agriscope/gleaner/internal/bus"
	"github.com/agriscope/gleaner/internal/config"
	"github.com/agriscope/gleaner/internal/model"
)

var version = "dev"

// fileList collects repeated -file flags.
type fileList []string

func (f *fileList) String() string { return fmt.Sprint([]string(*f)) }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	dataset := fs.String("dataset", "", "dataset ID to extract (required)")
	extractor := fs.String("extractor", "", "extractor override (defaults to the worker's MAIN_SCRIPT)")
	meta := fs.String("meta", "", "extraction metadata as a JSON object")
	timeout := fs.Duration("timeout", 10*time.Second, "publish timeout")
	showVersion := fs.Bool("version", false, "print version and exit")
	var files fileList
	fs.Var(&files, "file", "dataset-relative input file (repeatable; default: all images)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println(version)
		return 0
	}
	if *dataset == "" {
		fmt.Fprintln(os.Stderr, "Error: -dataset is required")
		fs.Usage()
		return 2
	}

	var metadata map[string]any
	if *meta != "" {
		if err := json.Unmarshal([]byte(*meta), &metadata); err != nil {
			fmt.Fprintf(os.Stderr, "Error: -meta is not a JSON object: %v\n", err)
			return 2
		}
	}

	loader := config.NewLoader("", version)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load configuration: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	b, err := bus.NewAMQP(cfg.Broker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: connect broker: %v\n", err)
		return 1
	}
	defer func() { _ = b.Close() }()

	req := model.ExtractionRequest{
		ID:             uuid.NewString(),
		DatasetID:      *dataset,
		Extractor:      *extractor,
		Files:          files,
		Metadata:       metadata,
		EnqueuedAtUnix: time.Now().Unix(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode request: %v\n", err)
		return 1
	}

	if err := b.Publish(ctx, string(model.TopicExtract), payload); err != nil {
		fmt.Fprintf(os.Stderr, "Error: publish request: %v\n", err)
		return 1
	}

	fmt.Println(req.ID)
	return 0
}
