package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldJobID         = "job_id"
	FieldDatasetID     = "dataset_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldMessageID     = "message_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldExtractor = "extractor"
	FieldAttempt   = "attempt"

	// Transport fields
	FieldTopic    = "topic"
	FieldExchange = "exchange"
	FieldQueue    = "queue"

	// Tool fields
	FieldTool = "tool"
	FieldArgs = "args"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Path fields
	FieldPath    = "path"
	FieldWorkDir = "work_dir"
	FieldPlot    = "plot"
)
