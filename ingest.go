package bulkq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
)

// Enqueuer accepts records for processing. *Queue implements it.
type Enqueuer interface {
	EnqueueItems(records []Record, priority int) int
}

// EnqueueRequest is the body accepted by the ingestor and the HTTP API.
type EnqueueRequest struct {
	Priority *int     `json:"priority,omitempty"`
	Items    []Record `json:"items"`
}

// EnqueueResponse reports how many records were accepted.
type EnqueueResponse struct {
	Enqueued int    `json:"enqueued"`
	Error    string `json:"error,omitempty"`
}

// Ingestor feeds enqueue requests received over NATS into the queue.
// Requests go to SubjectEnqueue, or to SubjectEnqueue.<priority> when the
// body carries no priority of its own.
type Ingestor struct {
	queue Enqueuer
}

// NewIngestor creates an ingestor for q.
func NewIngestor(q Enqueuer) *Ingestor {
	return &Ingestor{queue: q}
}

// Process parses a raw enqueue request and hands its records to the queue.
// Malformed requests are logged and dropped.
func (in *Ingestor) Process(subject string, data []byte) (int, error) {
	var req EnqueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("bulkq ingestor: malformed enqueue request",
			"subject", subject,
			"error", err,
		)
		return 0, fmt.Errorf("decode enqueue request: %w", err)
	}
	if len(req.Items) == 0 {
		return 0, ErrNoItems
	}

	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	} else {
		priority = priorityFromSubject(subject)
	}

	n := in.queue.EnqueueItems(req.Items, priority)
	slog.Info("bulkq ingestor: enqueued",
		"subject", subject,
		"count", n,
		"priority", priority,
	)
	return n, nil
}

// Subscribe registers the ingestor on SubjectEnqueue and its priority
// subjects. Requests with a reply subject get an EnqueueResponse.
func (in *Ingestor) Subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	for _, subject := range []string{SubjectEnqueue, SubjectEnqueue + ".*"} {
		sub, err := nc.Subscribe(subject, in.handleMsg)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (in *Ingestor) handleMsg(m *nats.Msg) {
	n, err := in.Process(m.Subject, m.Data)
	if m.Reply == "" {
		return
	}
	resp := EnqueueResponse{Enqueued: n}
	if err != nil {
		resp.Error = err.Error()
	}
	data, _ := json.Marshal(resp)
	if err := m.Respond(data); err != nil {
		slog.Error("bulkq ingestor: failed to reply", "subject", m.Subject, "error", err)
	}
}

func priorityFromSubject(subject string) int {
	suffix, ok := strings.CutPrefix(subject, SubjectEnqueue+".")
	if !ok {
		return 0
	}
	p, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return p
}
