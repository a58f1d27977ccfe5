package bulkq

import "context"

// BatchProcessor persists a batch of records and returns the subset that
// was actually saved. Returned records must carry the barcode (or, when the
// input had none, the name) of the input they correspond to. An error means
// nothing in the batch was saved.
// The concrete implementation is *Store (pgx-backed).
type BatchProcessor interface {
	Persist(ctx context.Context, records []Record) ([]Record, error)
}

// BatchProcessorFunc adapts a function to BatchProcessor.
type BatchProcessorFunc func(ctx context.Context, records []Record) ([]Record, error)

// Persist calls f.
func (f BatchProcessorFunc) Persist(ctx context.Context, records []Record) ([]Record, error) {
	return f(ctx, records)
}

// ProgressSink receives progress snapshots from the queue worker.
// Implementations must not block.
type ProgressSink interface {
	OnSnapshot(s Snapshot)
}

// RecordReader looks up persisted records.
type RecordReader interface {
	Get(ctx context.Context, barcode string) (*Record, error)
}

// NATSPublisher is the interface for publishing messages to NATS.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}
