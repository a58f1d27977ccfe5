// Package bulkq provides the bulk operation queue used to ingest large
// client-submitted batches of catalog records and persist them through a
// slower downstream write path without blocking the submitter.
package bulkq

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a queued item.
type State string

const (
	StateQueued       State = "Queued"
	StateProcessing   State = "Processing"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
	StateCancelled    State = "Cancelled"
	StatePendingRetry State = "PendingRetry"
)

// Terminal reports whether no further automatic transition leaves s.
// Failed is recoverable through a retry, so it is not terminal.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Error categories assigned by Classify. Failures that match none of them
// are categorized by the Go type name of their innermost cause.
const (
	CategoryDatabase       = "DatabaseError"
	CategoryDuplicateEntry = "DuplicateEntry"
	CategoryValidation     = "ValidationError"
	CategoryTimeout        = "Timeout"
	CategoryReference      = "ReferenceError"
	CategoryDataSaveFailed = "DataSaveFailed"
)

// NATS subjects used by the publisher and the ingestor.
const (
	SubjectProgress          = "bulkq.progress"
	SubjectProgressCompleted = "bulkq.progress.completed"
	SubjectEnqueue           = "bulkq.enqueue"
)

const (
	// DefaultBatchSize bounds how many items one Persist call receives.
	DefaultBatchSize = 10
	// DefaultYieldDelay is the pause the worker takes between batches.
	DefaultYieldDelay = 100 * time.Millisecond
	// RetryPriorityBoost is added to an item's priority on every retry.
	RetryPriorityBoost = 10
)

// Record is one catalog record submitted for bulk import.
type Record struct {
	ID         int64           `json:"id,omitempty"`
	Barcode    string          `json:"barcode,omitempty"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  float64         `json:"unit_price"`
	Category   string          `json:"category,omitempty"`
	Supplier   string          `json:"supplier,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	CreatedAt  *time.Time      `json:"created_at,omitempty"`
}

// QueueItem is the queue's view of one item key. Values are replaced
// whole on every transition, never mutated in place.
type QueueItem struct {
	Key                 string     `json:"key"`
	Payload             Record     `json:"payload"`
	Result              *Record    `json:"result,omitempty"`
	State               State      `json:"state"`
	EnqueuedAt          time.Time  `json:"enqueued_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	ProcessingEndedAt   *time.Time `json:"processing_ended_at,omitempty"`
	Priority            int        `json:"priority"`
	RetryCount          int        `json:"retry_count"`

	// seq identifies the enqueue that produced this value.
	seq uint64
}

// ErrorInfo is the categorized failure detail for a failed item.
type ErrorInfo struct {
	Message   string    `json:"message"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// FailedItem pairs a failed item with its error detail.
type FailedItem struct {
	Item  QueueItem `json:"item"`
	Error ErrorInfo `json:"error"`
}
