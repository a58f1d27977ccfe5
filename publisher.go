package bulkq

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Publisher broadcasts progress snapshots over NATS. Intermediate snapshots
// go to SubjectProgress, the completion snapshot to SubjectProgressCompleted.
type Publisher struct {
	nc NATSPublisher
}

// NewPublisher creates a progress publisher. A *nats.Conn satisfies
// NATSPublisher; its Publish only buffers, so the worker is never blocked.
func NewPublisher(nc NATSPublisher) *Publisher {
	return &Publisher{nc: nc}
}

// ProgressEvent is the wire form of a Snapshot.
type ProgressEvent struct {
	Snapshot
	ElapsedMS          int64 `json:"elapsed_ms"`
	ProgressPercentage int   `json:"progress_percentage"`
	SuccessPercentage  int   `json:"success_percentage"`
}

// NewProgressEvent derives the wire fields from s.
func NewProgressEvent(s Snapshot) ProgressEvent {
	return ProgressEvent{
		Snapshot:           s,
		ElapsedMS:          s.Elapsed.Milliseconds(),
		ProgressPercentage: s.ProgressPercentage(),
		SuccessPercentage:  s.SuccessPercentage(),
	}
}

// OnSnapshot implements ProgressSink.
func (p *Publisher) OnSnapshot(s Snapshot) {
	if err := p.Publish(s); err != nil {
		slog.Error("bulkq publisher: failed to publish progress",
			"run_id", s.RunID,
			"error", err,
		)
	}
}

// Publish sends s to the subject matching its completion flag.
func (p *Publisher) Publish(s Snapshot) error {
	data, err := json.Marshal(NewProgressEvent(s))
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	subject := SubjectProgress
	if s.IsCompleted {
		subject = SubjectProgressCompleted
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
