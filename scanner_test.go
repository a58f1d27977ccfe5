package bulkq

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failedQueue returns a queue whose first run failed every item with err.
func failedQueue(t *testing.T, err error, n int) (*Queue, *mockProcessor, *recordingSink) {
	t.Helper()
	p := newMockProcessor()
	p.setErr(err)
	q, sink := newTestQueue(p)
	q.EnqueueItems(records("sc", n), 0)
	waitIdle(t, q, sink, 1)
	if got := q.FailedItemCount(); got != n {
		t.Fatalf("expected %d failed, got %d", n, got)
	}
	p.drainStarted()
	return q, p, sink
}

func TestScanner_RetriesTransientFailures(t *testing.T) {
	q, p, sink := failedQueue(t, errors.New("database unavailable"), 3)
	p.setErr(nil)

	s := NewScanner(q, time.Minute, 3)
	if got := s.scan(); got != 3 {
		t.Fatalf("expected 3 retried, got %d", got)
	}
	waitIdle(t, q, sink, 2)

	if got := q.CompletedItemCount(); got != 3 {
		t.Errorf("expected 3 completed, got %d", got)
	}
	item, _ := q.GetItem("id:sc-0")
	if item.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", item.RetryCount)
	}
}

func TestScanner_SkipsPermanentFailures(t *testing.T) {
	q, _, _ := failedQueue(t, errors.New("duplicate key value violates unique constraint"), 2)

	s := NewScanner(q, time.Minute, 3)
	if got := s.scan(); got != 0 {
		t.Errorf("expected 0 retried, got %d", got)
	}
	if got := q.FailedItemCount(); got != 2 {
		t.Errorf("expected 2 still failed, got %d", got)
	}
}

func TestScanner_CustomCategories(t *testing.T) {
	q, p, sink := failedQueue(t, errors.New("duplicate key value violates unique constraint"), 2)
	p.setErr(nil)

	s := NewScanner(q, time.Minute, 3, CategoryDuplicateEntry)
	if got := s.scan(); got != 2 {
		t.Fatalf("expected 2 retried, got %d", got)
	}
	waitIdle(t, q, sink, 2)
}

func TestScanner_MaxRetries(t *testing.T) {
	q, _, sink := failedQueue(t, errors.New("write timeout"), 1)
	s := NewScanner(q, time.Minute, 2)

	for i := 0; i < 2; i++ {
		if got := s.scan(); got != 1 {
			t.Fatalf("scan %d: expected 1 retried, got %d", i, got)
		}
		waitIdle(t, q, sink, i+2)
	}

	if got := s.scan(); got != 0 {
		t.Errorf("expected retry limit to stop the scanner, got %d retried", got)
	}
	item, _ := q.GetItem("id:sc-0")
	if item.State != StateFailed || item.RetryCount != 2 {
		t.Errorf("expected Failed after 2 retries, got %s after %d", item.State, item.RetryCount)
	}
}

func TestScanner_SkipsWhileProcessing(t *testing.T) {
	q, p, sink := failedQueue(t, errors.New("database unavailable"), 1)
	p.setErr(nil)
	gate := make(chan struct{})
	p.setGate(gate)

	q.EnqueueItems(records("busy", 1), 0)
	waitStarted(t, p)

	s := NewScanner(q, time.Minute, 3)
	if got := s.scan(); got != 0 {
		t.Errorf("expected no retry while processing, got %d", got)
	}

	close(gate)
	waitIdle(t, q, sink, 2)
	item, _ := q.GetItem("id:sc-0")
	if item.State != StateFailed {
		t.Errorf("expected sc-0 still Failed, got %s", item.State)
	}
}

func TestScanner_ZeroIntervalDisabled(t *testing.T) {
	q, _, _ := failedQueue(t, errors.New("database unavailable"), 1)

	s := NewScanner(q, 0, 3)
	s.Start(context.Background())

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("disabled scanner did not report stopped")
	}
	if got := q.FailedItemCount(); got != 1 {
		t.Errorf("expected the failed item left alone, got %d failed", got)
	}
}

func TestScanner_StartAndWait(t *testing.T) {
	q, p, _ := failedQueue(t, errors.New("database unavailable"), 2)
	p.setErr(nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScanner(q, 10*time.Millisecond, 3)
	s.Start(ctx)

	waitFor(t, "scanner to recover items", func() bool {
		return q.CompletedItemCount() == 2
	})

	cancel()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scanner did not stop")
	}
}
