// Package events is the in-process event bus of the pipeline. Batches
// publish their lifecycle onto a per-batch topic and the global dashboard
// topic; subscribers consume through bounded buffers that never block a
// publisher.
package events

import (
	"time"

	"github.com/neuroqc-norm-server/internal/domain"
)

// EventType enumerates everything the pipeline emits.
type EventType string

const (
	EventBatchStarted        EventType = "batch_started"
	EventBatchProgress       EventType = "batch_progress"
	EventSubjectProcessed    EventType = "subject_processed"
	EventProcessingError     EventType = "processing_error"
	EventBatchCompleted      EventType = "batch_completed"
	EventBatchFailed         EventType = "batch_failed"
	EventBatchCancelled      EventType = "batch_cancelled"
	EventBackpressureWarning EventType = "backpressure_warning"
)

// TopicDashboard receives every batch's lifecycle events alongside the
// per-batch topic.
const TopicDashboard = "dashboard"

// BatchTopic names the topic dedicated to one batch.
func BatchTopic(batchID string) string {
	return "batch:" + batchID
}

// Event is one bus message. Payload holds one of the payload structs below,
// keyed by Type.
type Event struct {
	Type      EventType   `json:"type"`
	Topic     string      `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// BatchStartedPayload announces a batch entering processing.
type BatchStartedPayload struct {
	BatchID string `json:"batch_id"`
	Total   int    `json:"total"`
}

// BatchProgressPayload is the periodic progress summary.
type BatchProgressPayload struct {
	BatchID   string  `json:"batch_id"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// SubjectProcessedPayload reports one successfully processed row.
type SubjectProcessedPayload struct {
	BatchID   string         `json:"batch_id"`
	SubjectID string         `json:"subject_id"`
	RowIndex  int            `json:"row_index"`
	Verdict   domain.Verdict `json:"verdict"`
}

// ProcessingErrorPayload reports one failed row.
type ProcessingErrorPayload struct {
	BatchID  string           `json:"batch_id"`
	RowIndex int              `json:"row_index"`
	Code     domain.ErrorKind `json:"code"`
	Message  string           `json:"message"`
	Field    string           `json:"field,omitempty"`
}

// BatchCompletedPayload carries the final counters. The same shape is used
// for batch_completed, batch_failed and batch_cancelled; the event type
// disambiguates.
type BatchCompletedPayload struct {
	BatchID   string `json:"batch_id"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// BackpressureWarningPayload reports buffer overflow on a subscriber of the
// named topic. DroppedTotal is cumulative for that subscriber.
type BackpressureWarningPayload struct {
	Topic        string `json:"topic"`
	DroppedTotal int64  `json:"dropped_total"`
}
