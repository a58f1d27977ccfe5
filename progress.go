package bulkq

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Snapshot is the aggregate progress of a processing run.
type Snapshot struct {
	RunID          string         `json:"run_id"`
	QueuedCount    int            `json:"queued_count"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	TotalCount     int            `json:"total_count"`
	Elapsed        time.Duration  `json:"elapsed"`
	IsCompleted    bool           `json:"is_completed"`
	ErrorCounts    map[string]int `json:"error_counts"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ProgressPercentage is the rounded share of items that reached Completed or
// Failed. It is 0 when nothing has been enqueued.
func (s Snapshot) ProgressPercentage() int {
	return percent(s.CompletedCount+s.FailedCount, s.TotalCount)
}

// SuccessPercentage is the rounded share of finished items that completed.
func (s Snapshot) SuccessPercentage() int {
	return percent(s.CompletedCount, s.CompletedCount+s.FailedCount)
}

func percent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	p := int(math.Round(100 * float64(part) / float64(whole)))
	return max(0, min(100, p))
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(Snapshot)

// OnSnapshot calls f.
func (f SinkFunc) OnSnapshot(s Snapshot) { f(s) }

// MultiSink delivers every snapshot to each sink in order.
type MultiSink []ProgressSink

// OnSnapshot fans s out. A panicking sink is logged and skipped.
func (m MultiSink) OnSnapshot(s Snapshot) {
	for _, sink := range m {
		deliver(sink, s)
	}
}

func deliver(sink ProgressSink, s Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bulkq progress: sink panicked", "run_id", s.RunID, "panic", r)
		}
	}()
	sink.OnSnapshot(s)
}

// ChannelSink buffers snapshots in a bounded channel. When the channel is
// full the oldest buffered snapshot is dropped, so the worker never blocks.
type ChannelSink struct {
	mu sync.Mutex
	ch chan Snapshot
}

// NewChannelSink creates a ChannelSink holding up to size snapshots.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 1
	}
	return &ChannelSink{ch: make(chan Snapshot, size)}
}

// C returns the channel snapshots are delivered on.
func (c *ChannelSink) C() <-chan Snapshot { return c.ch }

// OnSnapshot implements ProgressSink.
func (c *ChannelSink) OnSnapshot(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		select {
		case c.ch <- s:
			return
		default:
		}
		select {
		case <-c.ch:
		default:
		}
	}
}
