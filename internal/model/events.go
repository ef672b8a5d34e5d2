package model

// Topic identifies a bus message stream. Topics map to AMQP routing keys on
// the configured exchange.
type Topic string

const (
	// TopicExtract carries ExtractionRequest messages into the worker.
	TopicExtract Topic = "extractor.extract"
	// TopicStatus carries StatusEvent progress messages.
	TopicStatus Topic = "extractor.status"
	// TopicDone announces finished jobs, one message per terminal job.
	TopicDone Topic = "extractor.done"
)

// ExtractionRequest is the queue message that triggers one job.
type ExtractionRequest struct {
	ID             string         `json:"id"`
	DatasetID      string         `json:"datasetId"`
	Extractor      string         `json:"extractor,omitempty"`
	Files          []string       `json:"files,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Attempt        int            `json:"attempt,omitempty"`
	EnqueuedAtUnix int64          `json:"enqueuedAtUnix,omitempty"`
}

// StatusPhase is the coarse progress phase announced on TopicStatus.
type StatusPhase string

const (
	PhaseStarted    StatusPhase = "started"
	PhaseProcessing StatusPhase = "processing"
	PhaseDone       StatusPhase = "done"
	PhaseError      StatusPhase = "error"
)

// StatusEvent is the progress message published back to the exchange while a
// job runs.
type StatusEvent struct {
	JobID     string      `json:"jobId"`
	DatasetID string      `json:"datasetId"`
	Extractor string      `json:"extractor"`
	Phase     StatusPhase `json:"phase"`
	Message   string      `json:"message,omitempty"`
	AtUnix    int64       `json:"atUnix"`
}

// DoneEvent announces one terminal job on TopicDone.
type DoneEvent struct {
	JobID     string     `json:"jobId"`
	DatasetID string     `json:"datasetId"`
	Extractor string     `json:"extractor"`
	State     JobState   `json:"state"`
	Reason    ReasonCode `json:"reason,omitempty"`
	Outputs   []string   `json:"outputs,omitempty"`
	AtUnix    int64      `json:"atUnix"`
}
