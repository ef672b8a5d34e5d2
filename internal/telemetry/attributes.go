package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent spans across the daemon.
const (
	// Job attributes
	JobIDKey        = "job.id"
	JobDatasetKey   = "job.dataset_id"
	JobExtractorKey = "job.extractor"
	JobStateKey     = "job.state"
	JobAttemptKey   = "job.attempt"
	JobDurationKey  = "job.duration_ms"

	// Staging attributes
	StageFilesKey = "stage.files"
	StageBytesKey = "stage.bytes"

	// Tool attributes
	ToolBinaryKey   = "tool.binary"
	ToolExitCodeKey = "tool.exit_code"

	// Bus attributes
	BusTopicKey     = "bus.topic"
	BusMessageIDKey = "bus.message_id"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// JobAttributes creates the span attributes identifying one job.
func JobAttributes(jobID, datasetID, extractor string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(JobDatasetKey, datasetID),
		attribute.String(JobExtractorKey, extractor),
		attribute.Int(JobAttemptKey, attempt),
	}
}

// ResultAttributes creates the span attributes describing a job outcome.
func ResultAttributes(state string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobStateKey, state),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// StageAttributes creates staging-related span attributes.
func StageAttributes(files int, bytes int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(StageFilesKey, files),
		attribute.Int64(StageBytesKey, bytes),
	}
}

// ToolAttributes creates tool-run span attributes.
func ToolAttributes(binary string, exitCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ToolBinaryKey, binary),
		attribute.Int(ToolExitCodeKey, exitCode),
	}
}

// BusAttributes creates transport-related span attributes. Empty values are
// omitted.
func BusAttributes(topic, messageID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if topic != "" {
		attrs = append(attrs, attribute.String(BusTopicKey, topic))
	}
	if messageID != "" {
		attrs = append(attrs, attribute.String(BusMessageIDKey, messageID))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
