package bulkq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// memStore is an in-memory catalog that skips records whose barcode is
// already stored, the way Store does.
type memStore struct {
	mu     sync.Mutex
	rows   map[string]Record
	nextID int64
}

func newMemStore(seed ...Record) *memStore {
	m := &memStore{rows: make(map[string]Record)}
	for _, r := range seed {
		m.nextID++
		r.ID = m.nextID
		m.rows[r.Barcode] = r
	}
	return m
}

func (m *memStore) Persist(_ context.Context, records []Record) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make([]Record, 0, len(records))
	for _, r := range records {
		if _, ok := m.rows[r.Barcode]; ok && r.Barcode != "" {
			continue
		}
		m.nextID++
		r.ID = m.nextID
		if r.Barcode != "" {
			m.rows[r.Barcode] = r
		}
		saved = append(saved, r)
	}
	return saved, nil
}

func (m *memStore) Get(_ context.Context, barcode string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[barcode]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &r, nil
}

var _ BatchProcessor = (*memStore)(nil)
var _ RecordReader = (*memStore)(nil)

// TestE2E_BulkImport walks a bulk import through every surface:
// 1. HTTP submits 25 records, one of which is already in the catalog
// 2. Progress is published over NATS and exported as metrics
// 3. The API reports progress, the skipped record and the saved records
// 4. A follow-up request over the NATS ingestor is processed in a new run
func TestE2E_BulkImport(t *testing.T) {
	store := newMemStore(Record{Barcode: "e2e-7", Name: "already imported"})
	nc := newMockNATS()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	q, sink := newTestQueue(store,
		WithProgressSink(NewPublisher(nc)),
		WithProgressSink(metrics),
	)
	r := chi.NewRouter()
	r.Mount("/api/v1/bulk", NewHandler(q, store).Routes())
	srv := httptest.NewServer(r)
	defer srv.Close()

	// --- Step 1: submit over HTTP ---
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/bulk/items", EnqueueRequest{Items: records("e2e", 25)})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("step 1: expected 202, got %d", resp.StatusCode)
	}
	waitIdle(t, q, sink, 1)

	// --- Step 2: progress fan-out ---
	waitFor(t, "completion to be published", func() bool {
		msgs := nc.published()
		return len(msgs) > 0 && msgs[len(msgs)-1].Subject == SubjectProgressCompleted
	})
	progressMsgs := 0
	for _, m := range nc.published() {
		if m.Subject == SubjectProgress {
			progressMsgs++
		}
	}
	// Initial snapshot plus one per batch of 10, 10 and 5.
	if progressMsgs != 4 {
		t.Errorf("step 2: expected 4 progress messages, got %d", progressMsgs)
	}
	waitFor(t, "metrics to record the run", func() bool {
		return testutil.ToFloat64(metrics.runs) == 1
	})
	if got := testutil.ToFloat64(metrics.completed); got != 24 {
		t.Errorf("step 2: expected completed gauge 24, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.errors.WithLabelValues(CategoryDataSaveFailed)); got != 1 {
		t.Errorf("step 2: expected 1 DataSaveFailed, got %v", got)
	}

	// --- Step 3: API views ---
	var progress progressResponse
	decodeBody(t, doRequest(t, http.MethodGet, srv.URL+"/api/v1/bulk/progress", nil), &progress)
	if progress.ProgressPercentage != 100 || progress.SuccessPercentage != 96 {
		t.Errorf("step 3: expected 100%%/96%%, got %d%%/%d%%", progress.ProgressPercentage, progress.SuccessPercentage)
	}

	var failed []FailedItem
	decodeBody(t, doRequest(t, http.MethodGet, srv.URL+"/api/v1/bulk/failed", nil), &failed)
	if len(failed) != 1 || failed[0].Item.Key != "id:e2e-7" {
		t.Fatalf("step 3: expected e2e-7 to fail, got %v", failed)
	}

	var rec Record
	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/bulk/records/e2e-3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step 3: expected 200, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &rec)
	item, _ := q.GetItem("id:e2e-3")
	if item.Result == nil || item.Result.ID != rec.ID {
		t.Errorf("step 3: expected item result to match stored record %d", rec.ID)
	}

	// --- Step 4: NATS ingestion ---
	body, _ := json.Marshal(EnqueueRequest{Items: []Record{{Barcode: "nats-1", Name: "via nats"}}})
	n, err := NewIngestor(q).Process(SubjectEnqueue+".3", body)
	if err != nil || n != 1 {
		t.Fatalf("step 4: expected 1 enqueued, got %d, %v", n, err)
	}
	waitIdle(t, q, sink, 2)

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/v1/bulk/records/nats-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("step 4: expected nats-1 stored, got %d", resp.StatusCode)
	}
	if got := q.TotalItemCount(); got != 26 {
		t.Errorf("step 4: expected 26 items, got %d", got)
	}
	finals := sink.finals()
	if finals[0].RunID == finals[1].RunID {
		t.Error("step 4: expected a new run id for the second run")
	}
}
