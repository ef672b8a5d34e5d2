package worker

import (
	"path/filepath"
	"regexp"
)

// LeaseKeyDataset is the exclusivity key serializing work on one dataset
// across all workers.
func LeaseKeyDataset(datasetID string) string {
	return "dataset/" + datasetID
}

// safeIDRe guards every ID that flows into a filesystem path. IDs outside
// this alphabet never touch the disk.
var safeIDRe = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// workRoot is the directory holding all job work dirs under the data dir.
func workRoot(dataDir string) string {
	return filepath.Join(dataDir, "work")
}

// jobWorkDir is the scratch root of one job.
func jobWorkDir(dataDir, jobID string) string {
	return filepath.Join(workRoot(dataDir), jobID)
}
