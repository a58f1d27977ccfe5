package bulkq

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Option configures a Queue.
type Option func(*Queue)

// WithBatchSize sets how many items are dispatched per Persist call.
func WithBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithYieldDelay sets the pause the worker takes between batches.
func WithYieldDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.yield = d
		}
	}
}

// WithProgressSink adds a sink for progress snapshots. It may be given more
// than once.
func WithProgressSink(sink ProgressSink) Option {
	return func(q *Queue) {
		if sink != nil {
			q.sinks = append(q.sinks, sink)
		}
	}
}

// WithKeySuffix overrides the unique suffix generator used for records
// without a barcode.
func WithKeySuffix(fn func() string) Option {
	return func(q *Queue) {
		if fn != nil {
			q.suffix = fn
		}
	}
}

// Queue is an in-process, priority-aware, batched work queue. Items are
// persisted by a single background worker that is started on demand; callers
// never block on processing and observe failures only through the item
// state, the error index and progress snapshots.
type Queue struct {
	processor BatchProcessor
	sinks     MultiSink
	batchSize int
	yield     time.Duration
	suffix    func() string

	state      *itemState
	intake     intake
	categories *categoryCounts

	// mu guards the worker lifecycle below.
	mu         sync.Mutex
	processing bool
	closed     bool
	cancel     context.CancelFunc
	current    *run
	recent     *run
	wg         sync.WaitGroup

	// dispatchMu keeps Persist calls sequential even when a reset leaves
	// an old worker finishing its batch while a new one starts.
	dispatchMu sync.Mutex

	snapMu sync.RWMutex
	last   *Snapshot

	// afterBatch runs between a batch and its snapshot. Tests use it to
	// break the loop's bookkeeping.
	afterBatch func()
}

// run is one activation of the worker loop.
type run struct {
	id      string
	epoch   uint64
	started time.Time
	stopped time.Time
}

// New creates a Queue that persists through processor.
func New(processor BatchProcessor, opts ...Option) *Queue {
	q := &Queue{
		processor:  processor,
		batchSize:  DefaultBatchSize,
		yield:      DefaultYieldDelay,
		suffix:     uuid.NewString,
		state:      newItemState(),
		categories: newCategoryCounts(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueItems indexes each record as Queued with the given priority and
// starts the worker if it is idle. It returns the number of records
// accepted, which is zero for an empty list or a shut down queue.
// Records sharing a barcode share a key; the later one replaces the earlier.
func (q *Queue) EnqueueItems(records []Record, priority int) int {
	if len(records) == 0 {
		return 0
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		slog.Warn("bulkq queue: enqueue after shutdown ignored", "count", len(records))
		return 0
	}

	epoch := q.state.currentEpoch()
	now := time.Now().UTC()
	entries := make([]intakeEntry, 0, len(records))
	for _, rec := range records {
		key := DeriveKey(rec, q.suffix)
		item := QueueItem{
			Key:        key,
			Payload:    rec,
			State:      StateQueued,
			EnqueuedAt: now,
			Priority:   priority,
		}
		if !q.state.put(epoch, item) {
			continue
		}
		entries = append(entries, intakeEntry{key: key, priority: priority})
	}
	if len(entries) == 0 {
		return 0
	}
	q.intake.push(entries...)
	slog.Debug("bulkq queue: enqueued", "count", len(entries), "priority", priority)

	q.ensureWorker()
	return len(entries)
}

// GetAllStatus returns the state of every known item key.
func (q *Queue) GetAllStatus() map[string]State {
	return q.state.statuses()
}

// GetItem returns the item stored under key.
func (q *Queue) GetItem(key string) (QueueItem, bool) {
	return q.state.get(key)
}

// GetCompletedItems returns every Completed item in enqueue order.
func (q *Queue) GetCompletedItems() []QueueItem {
	return q.state.list(func(item QueueItem) bool { return item.State == StateCompleted })
}

// GetFailedItems returns every Failed item paired with its error detail.
func (q *Queue) GetFailedItems() []FailedItem {
	return q.state.failed()
}

// GetErrorsByCategory groups the failed items by error category.
func (q *Queue) GetErrorsByCategory() map[string][]FailedItem {
	out := make(map[string][]FailedItem)
	for _, f := range q.state.failed() {
		out[f.Error.Category] = append(out[f.Error.Category], f)
	}
	return out
}

// IsProcessing reports whether a worker run is active.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// QueuedItemCount counts items waiting to be dispatched (Queued or
// PendingRetry).
func (q *Queue) QueuedItemCount() int { return q.state.counts().queued }

// TotalItemCount counts every item key enqueued since the last Reset.
func (q *Queue) TotalItemCount() int { return q.state.counts().total }

// CompletedItemCount counts Completed items.
func (q *Queue) CompletedItemCount() int { return q.state.counts().completed }

// FailedItemCount counts Failed items.
func (q *Queue) FailedItemCount() int { return q.state.counts().failed }

// CancelProcessing stops the worker at its next batch boundary, marks every
// Queued, PendingRetry or Processing item Cancelled and empties the intake.
// A batch already handed to the processor still records its outcome.
func (q *Queue) CancelProcessing() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	dropped := q.intake.drain()
	ended := time.Now().UTC()
	cancelled := q.state.transitionAll(q.state.currentEpoch(), func(item QueueItem, _ ErrorInfo) (QueueItem, bool) {
		switch item.State {
		case StateQueued, StatePendingRetry, StateProcessing:
			item.State = StateCancelled
			item.ProcessingEndedAt = timePtr(ended)
			return item, true
		}
		return item, false
	})
	slog.Info("bulkq queue: processing cancelled", "cancelled", len(cancelled), "dropped_entries", dropped)
}

// RetryFailedItems re-enqueues every Failed item with its priority raised by
// RetryPriorityBoost and its retry count incremented, then starts the worker
// if it is idle. It returns the number of items re-enqueued.
func (q *Queue) RetryFailedItems() int {
	return q.RetryFailedItemsWhere(nil)
}

// RetryFailedItemsWhere is RetryFailedItems restricted to the failed items
// for which match returns true. A nil match retries all of them.
func (q *Queue) RetryFailedItemsWhere(match func(QueueItem, ErrorInfo) bool) int {
	epoch := q.state.currentEpoch()
	pending := q.state.transitionAll(epoch, func(item QueueItem, info ErrorInfo) (QueueItem, bool) {
		if item.State != StateFailed {
			return item, false
		}
		if match != nil && !match(item, info) {
			return item, false
		}
		item.State = StatePendingRetry
		item.RetryCount++
		item.Priority += RetryPriorityBoost
		item.Result = nil
		item.ProcessingStartedAt = nil
		item.ProcessingEndedAt = nil
		return item, true
	})
	if len(pending) == 0 {
		return 0
	}

	entries := make([]intakeEntry, len(pending))
	for i, item := range pending {
		entries[i] = intakeEntry{key: item.Key, priority: item.Priority}
	}
	q.intake.push(entries...)
	for _, item := range pending {
		q.state.update(epoch, item.Key, func(cur QueueItem) (QueueItem, bool) {
			if cur.State != StatePendingRetry {
				return cur, false
			}
			cur.State = StateQueued
			return cur, true
		})
	}
	slog.Info("bulkq queue: retrying failed items", "count", len(pending))

	q.ensureWorker()
	return len(pending)
}

// Reset cancels any in-flight work and clears every item, error and counter.
// A batch still in flight when Reset is called cannot write its outcome into
// the cleared queue.
func (q *Queue) Reset() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.cancel = nil
	q.current = nil
	q.recent = nil
	q.processing = false
	q.mu.Unlock()

	q.intake.drain()
	q.state.reset()
	q.categories.reset()

	q.snapMu.Lock()
	q.last = nil
	q.snapMu.Unlock()
	slog.Info("bulkq queue: reset")
}

// Shutdown stops accepting items, cancels processing and waits for the
// worker to exit or ctx to end.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.CancelProcessing()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastSnapshot returns the most recent progress snapshot.
func (q *Queue) LastSnapshot() (Snapshot, bool) {
	q.snapMu.RLock()
	defer q.snapMu.RUnlock()
	if q.last == nil {
		return Snapshot{}, false
	}
	return *q.last, true
}

// Progress returns a snapshot of the current counters, timed against the
// active or most recent run.
func (q *Queue) Progress() Snapshot {
	q.mu.Lock()
	r := q.recent
	q.mu.Unlock()
	if r == nil {
		return q.snapshot(&run{}, false)
	}
	q.mu.Lock()
	done := !r.stopped.IsZero()
	q.mu.Unlock()
	return q.snapshot(r, done)
}

func (q *Queue) ensureWorker() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing || q.closed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:      uuid.NewString(),
		epoch:   q.state.currentEpoch(),
		started: time.Now().UTC(),
	}
	q.processing = true
	q.cancel = cancel
	q.current = r
	q.recent = r
	q.wg.Add(1)
	go q.supervise(ctx, cancel, r)
}

// supervise runs the worker loop and turns a panic inside it into a failure
// of every unfinished item.
func (q *Queue) supervise(ctx context.Context, cancel context.CancelFunc, r *run) {
	defer q.wg.Done()
	defer cancel()
	defer func() {
		if v := recover(); v != nil {
			err := &PanicError{Value: v, Stack: debug.Stack()}
			slog.Error("bulkq worker: run aborted",
				"run_id", r.id,
				"error", err,
				"stack", string(err.Stack),
			)
			q.failRemaining(r, err)
		}
		q.finish(r)
	}()
	q.loop(ctx, r)
}

func (q *Queue) loop(ctx context.Context, r *run) {
	slog.Info("bulkq worker: started", "run_id", r.id)
	q.emit(r, false)

	for ctx.Err() == nil {
		entries := q.intake.dequeueBatch(q.batchSize)
		if len(entries) == 0 {
			return
		}
		q.processBatch(ctx, r, entries)
		if q.afterBatch != nil {
			q.afterBatch()
		}
		q.emit(r, false)

		if !pause(ctx, q.yield) {
			return
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// processBatch moves the dequeued items to Processing, hands them to the
// processor and reconciles the outcome.
func (q *Queue) processBatch(ctx context.Context, r *run, entries []intakeEntry) {
	started := time.Now().UTC()
	batch := make([]QueueItem, 0, len(entries))
	for _, e := range entries {
		item, ok := q.state.update(r.epoch, e.key, func(cur QueueItem) (QueueItem, bool) {
			if cur.State != StateQueued && cur.State != StatePendingRetry {
				return cur, false
			}
			cur.State = StateProcessing
			cur.ProcessingStartedAt = timePtr(started)
			cur.ProcessingEndedAt = nil
			return cur, true
		})
		if ok {
			batch = append(batch, item)
		}
	}
	if len(batch) == 0 {
		return
	}

	records := make([]Record, len(batch))
	for i, item := range batch {
		records[i] = item.Payload
	}

	saved, err := q.persist(context.WithoutCancel(ctx), records)
	ended := time.Now().UTC()
	if err != nil {
		info := Classify(err, ended)
		failed := 0
		for _, item := range batch {
			item.ProcessingEndedAt = timePtr(ended)
			if q.state.settle(r.epoch, item, &info) {
				failed++
			}
		}
		if failed > 0 {
			q.categories.add(info.Category, failed)
		}
		slog.Warn("bulkq worker: batch failed",
			"run_id", r.id,
			"size", len(batch),
			"failed", failed,
			"category", info.Category,
			"error", err,
		)
		return
	}

	completed, failed := q.reconcile(r, batch, saved, ended)
	slog.Info("bulkq worker: batch processed",
		"run_id", r.id,
		"size", len(batch),
		"completed", completed,
		"failed", failed,
		"duration", ended.Sub(started),
	)
}

// persist calls the processor, converting a panic into a PanicError.
func (q *Queue) persist(ctx context.Context, records []Record) (saved []Record, err error) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return q.processor.Persist(ctx, records)
}

// reconcile marks each batch item Completed when a saved record matches it
// by barcode, or by name when the item has no barcode, and Failed otherwise.
// Items enqueued again while the batch was in flight keep the newer value.
func (q *Queue) reconcile(r *run, batch []QueueItem, saved []Record, ended time.Time) (completed, failed int) {
	byBarcode := make(map[string]Record, len(saved))
	byName := make(map[string]Record, len(saved))
	for _, rec := range saved {
		if rec.Barcode != "" {
			byBarcode[rec.Barcode] = rec
		}
		if _, ok := byName[rec.Name]; !ok {
			byName[rec.Name] = rec
		}
	}

	notSaved := ErrorInfo{
		Message:   "record was not saved by the batch processor",
		Category:  CategoryDataSaveFailed,
		Timestamp: ended,
	}
	for _, item := range batch {
		var (
			rec Record
			ok  bool
		)
		if item.Payload.Barcode != "" {
			rec, ok = byBarcode[item.Payload.Barcode]
		} else {
			rec, ok = byName[item.Payload.Name]
		}

		item.ProcessingEndedAt = timePtr(ended)
		if ok {
			item.State = StateCompleted
			item.Result = &rec
			if q.state.settle(r.epoch, item, nil) {
				completed++
			}
			continue
		}
		if q.state.settle(r.epoch, item, &notSaved) {
			failed++
		}
	}
	if failed > 0 {
		q.categories.add(CategoryDataSaveFailed, failed)
	}
	return completed, failed
}

// failRemaining fails every item that has not finished yet with err.
func (q *Queue) failRemaining(r *run, err error) {
	info := Classify(err, time.Now().UTC())
	q.intake.drain()
	n := q.state.failWhere(r.epoch, func(item QueueItem) bool {
		switch item.State {
		case StateQueued, StatePendingRetry, StateProcessing:
			return true
		}
		return false
	}, info)
	if n > 0 {
		q.categories.add(info.Category, n)
	}
}

// finish marks the run idle, stops its clock and emits the completion
// snapshot. Items that arrived after a cancellation drained the intake get
// a fresh run.
func (q *Queue) finish(r *run) {
	q.mu.Lock()
	r.stopped = time.Now().UTC()
	current := q.current == r
	if current {
		q.processing = false
		q.cancel = nil
	}
	q.mu.Unlock()

	slog.Info("bulkq worker: stopped", "run_id", r.id, "elapsed", r.stopped.Sub(r.started))
	q.emit(r, true)

	if current && q.intake.len() > 0 {
		q.ensureWorker()
	}
}

func (q *Queue) emit(r *run, final bool) {
	if r.epoch != q.state.currentEpoch() {
		return
	}
	s := q.snapshot(r, final)

	q.snapMu.Lock()
	q.last = &s
	q.snapMu.Unlock()

	if len(q.sinks) > 0 {
		q.sinks.OnSnapshot(s)
	}
}

func (q *Queue) snapshot(r *run, final bool) Snapshot {
	c := q.state.counts()

	q.mu.Lock()
	var elapsed time.Duration
	switch {
	case r.started.IsZero():
	case !r.stopped.IsZero():
		elapsed = r.stopped.Sub(r.started)
	default:
		elapsed = time.Since(r.started)
	}
	q.mu.Unlock()

	return Snapshot{
		RunID:          r.id,
		QueuedCount:    c.queued,
		CompletedCount: c.completed,
		FailedCount:    c.failed,
		TotalCount:     c.total,
		Elapsed:        elapsed,
		IsCompleted:    final,
		ErrorCounts:    q.categories.snapshot(),
		Timestamp:      time.Now().UTC(),
	}
}
