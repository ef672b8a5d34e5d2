// Package model defines gleaner's wire messages and persisted job records.
package model

// JobState is the lifecycle of one extraction job.
// It is intentionally coarse-grained and stable across extractors.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobStarting  JobState = "STARTING"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobSkipped   JobState = "SKIPPED"
	JobCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobSkipped, JobCancelled:
		return true
	}
	return false
}

// ReasonCode is a compact, typed failure/decision signal.
// Keep these stable: metrics and operator tooling depend on them.
type ReasonCode string

const (
	RNone            ReasonCode = "R_NONE"
	RUnknown         ReasonCode = "R_UNKNOWN"
	RBadMessage      ReasonCode = "R_BAD_MESSAGE"
	RDatasetMissing  ReasonCode = "R_DATASET_MISSING"
	RLeaseBusy       ReasonCode = "R_LEASE_BUSY"
	RDuplicate       ReasonCode = "R_DUPLICATE"
	RStageFailed     ReasonCode = "R_STAGE_FAILED"
	RToolStartFailed ReasonCode = "R_TOOL_START_FAILED"
	RToolExit        ReasonCode = "R_TOOL_EXIT"
	RNoPlots         ReasonCode = "R_NO_PLOTS"
	RNoInputs        ReasonCode = "R_NO_INPUTS"
	RTooFewImages    ReasonCode = "R_TOO_FEW_IMAGES"
	RPublishFailed   ReasonCode = "R_PUBLISH_FAILED"
	RCancelled       ReasonCode = "R_CANCELLED"
)

// JobRecord is the state-store source of truth for one extraction job.
type JobRecord struct {
	JobID         string     `json:"jobId"`
	DatasetID     string     `json:"datasetId"`
	Extractor     string     `json:"extractor"`
	State         JobState   `json:"state"`
	Reason        ReasonCode `json:"reason"`
	ReasonDetail  string     `json:"reasonDetail,omitempty"`
	Attempt       int        `json:"attempt"`
	CorrelationID string     `json:"correlationId"`
	WorkDir       string     `json:"workDir,omitempty"`
	Outputs       []string   `json:"outputs,omitempty"`
	CreatedAtUnix int64      `json:"createdAtUnix"`
	UpdatedAtUnix int64      `json:"updatedAtUnix"`
	ExpiresAtUnix int64      `json:"expiresAtUnix"` // TTL for garbage collection.
}
