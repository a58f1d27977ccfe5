package bulkq

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

// mockProcessor is a thread-safe BatchProcessor for unit tests. By default it
// echoes every record back as saved.
type mockProcessor struct {
	mu    sync.Mutex
	calls [][]Record

	err        error
	drop       func(Record) bool
	panicValue any
	gate       chan struct{}

	started chan struct{}
}

func newMockProcessor() *mockProcessor {
	return &mockProcessor{started: make(chan struct{}, 100)}
}

func (m *mockProcessor) Persist(_ context.Context, records []Record) ([]Record, error) {
	m.mu.Lock()
	cp := make([]Record, len(records))
	copy(cp, records)
	m.calls = append(m.calls, cp)
	err, drop, pv, gate := m.err, m.drop, m.panicValue, m.gate
	m.mu.Unlock()

	select {
	case m.started <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}
	if pv != nil {
		panic(pv)
	}
	if err != nil {
		return nil, err
	}

	saved := make([]Record, 0, len(records))
	for i, r := range records {
		if drop != nil && drop(r) {
			continue
		}
		r.ID = int64(i + 1)
		saved = append(saved, r)
	}
	return saved, nil
}

func (m *mockProcessor) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockProcessor) setGate(gate chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
}

// drainStarted discards start signals left over from earlier batches.
func (m *mockProcessor) drainStarted() {
	for len(m.started) > 0 {
		<-m.started
	}
}

func (m *mockProcessor) batches() [][]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([][]Record, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// recordingSink captures snapshots for test assertions.
type recordingSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recordingSink) OnSnapshot(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recordingSink) snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Snapshot, len(r.snaps))
	copy(cp, r.snaps)
	return cp
}

func (r *recordingSink) finals() []Snapshot {
	var out []Snapshot
	for _, s := range r.snapshots() {
		if s.IsCompleted {
			out = append(out, s)
		}
	}
	return out
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockNATS) published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publishedMsg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// mockRecords is an in-memory RecordReader.
type mockRecords struct {
	records map[string]Record
	err     error
}

func (m *mockRecords) Get(_ context.Context, barcode string) (*Record, error) {
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.records[barcode]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &r, nil
}

// newTestQueue builds a queue that does not pause between batches.
func newTestQueue(p BatchProcessor, opts ...Option) (*Queue, *recordingSink) {
	sink := &recordingSink{}
	opts = append([]Option{WithYieldDelay(0), WithProgressSink(sink)}, opts...)
	return New(p, opts...), sink
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitIdle waits until n completion snapshots have been emitted.
func waitIdle(t *testing.T, q *Queue, sink *recordingSink, n int) {
	t.Helper()
	waitFor(t, "worker to finish", func() bool {
		return len(sink.finals()) >= n && !q.IsProcessing()
	})
}

func waitStarted(t *testing.T, p *mockProcessor) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(3 * time.Second):
		t.Fatal("processor was not called")
	}
}

func records(prefix string, n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{
			Barcode:  prefix + "-" + strconv.Itoa(i),
			Name:     "item " + prefix + "-" + strconv.Itoa(i),
			Quantity: i + 1,
		}
	}
	return out
}

// Verify interfaces at compile time.
var _ BatchProcessor = (*mockProcessor)(nil)
var _ ProgressSink = (*recordingSink)(nil)
var _ NATSPublisher = (*mockNATS)(nil)
var _ RecordReader = (*mockRecords)(nil)
