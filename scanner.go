package bulkq

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetryableCategories are the categories the scanner treats as
// transient.
var DefaultRetryableCategories = []string{CategoryDatabase, CategoryTimeout}

// Scanner periodically re-enqueues failed items whose failure looks
// transient, up to a retry limit. It only acts while the queue is idle.
type Scanner struct {
	queue      *Queue
	interval   time.Duration
	maxRetries int
	retryable  map[string]bool
	done       chan struct{}
}

// NewScanner creates a retry scanner. With no categories given,
// DefaultRetryableCategories is used.
func NewScanner(q *Queue, interval time.Duration, maxRetries int, categories ...string) *Scanner {
	if len(categories) == 0 {
		categories = DefaultRetryableCategories
	}
	retryable := make(map[string]bool, len(categories))
	for _, c := range categories {
		retryable[c] = true
	}
	return &Scanner{
		queue:      q,
		interval:   interval,
		maxRetries: maxRetries,
		retryable:  retryable,
		done:       make(chan struct{}),
	}
}

// Start begins the periodic scan loop. Call with a cancellable context for shutdown.
// A non-positive interval disables the scanner.
func (s *Scanner) Start(ctx context.Context) {
	if s.interval <= 0 {
		slog.Info("bulkq scanner: disabled", "interval", s.interval)
		close(s.done)
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		defer close(s.done)
		for {
			select {
			case <-ticker.C:
				s.scan()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the scanner has stopped.
func (s *Scanner) Wait() {
	<-s.done
}

func (s *Scanner) scan() int {
	if s.queue.IsProcessing() || s.queue.FailedItemCount() == 0 {
		return 0
	}

	retried := s.queue.RetryFailedItemsWhere(s.eligible)
	if retried > 0 {
		slog.Info("bulkq scanner: retried failed items", "count", retried)
	}
	return retried
}

func (s *Scanner) eligible(item QueueItem, info ErrorInfo) bool {
	return item.RetryCount < s.maxRetries && s.retryable[info.Category]
}
