package bulkq

import (
	"sync"
	"time"
)

// itemState holds the item state store and the error index behind one lock
// so an item and its error detail always change together. Keys keep their
// first-enqueue order. Writes carry the epoch they were computed in and are
// dropped once Reset has moved the store to a newer epoch.
type itemState struct {
	mu    sync.RWMutex
	epoch uint64
	seq   uint64
	items map[string]QueueItem
	order []string
	errs  map[string]ErrorInfo
}

func newItemState() *itemState {
	return &itemState{
		items: make(map[string]QueueItem),
		errs:  make(map[string]ErrorInfo),
	}
}

func (s *itemState) currentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// put stores item as a fresh enqueue, replacing any previous value for its
// key. Outcomes of batches dispatched before the replacement no longer
// apply to the key.
func (s *itemState) put(epoch uint64, item QueueItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.seq++
	item.seq = s.seq
	s.putLocked(item)
	return true
}

func (s *itemState) putLocked(item QueueItem) {
	if _, ok := s.items[item.Key]; !ok {
		s.order = append(s.order, item.Key)
	}
	s.items[item.Key] = item
	if item.State != StateFailed {
		delete(s.errs, item.Key)
	}
}

// settle stores the outcome of a dispatched item. A non-nil info fails the
// item with that detail. The write is dropped when the key was enqueued
// again since item was read, so the newer submission keeps its place.
func (s *itemState) settle(epoch uint64, item QueueItem, info *ErrorInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	cur, ok := s.items[item.Key]
	if !ok || cur.seq != item.seq {
		return false
	}
	if info != nil {
		item.State = StateFailed
	}
	s.putLocked(item)
	if info != nil {
		s.errs[item.Key] = *info
	}
	return true
}

// update applies fn to the current value of key and stores the result when
// fn reports a change. The read and the write happen under one lock.
func (s *itemState) update(epoch uint64, key string, fn func(QueueItem) (QueueItem, bool)) (QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return QueueItem{}, false
	}
	cur, ok := s.items[key]
	if !ok {
		return QueueItem{}, false
	}
	next, changed := fn(cur)
	if !changed {
		return cur, false
	}
	s.putLocked(next)
	return next, true
}

// transitionAll applies fn to every item in order and returns the items it
// changed.
func (s *itemState) transitionAll(epoch uint64, fn func(QueueItem, ErrorInfo) (QueueItem, bool)) []QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return nil
	}
	var changed []QueueItem
	for _, key := range s.order {
		next, ok := fn(s.items[key], s.errs[key])
		if !ok {
			continue
		}
		s.putLocked(next)
		changed = append(changed, next)
	}
	return changed
}

// failWhere fails every item matching pred with info.
func (s *itemState) failWhere(epoch uint64, pred func(QueueItem) bool, info ErrorInfo) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return 0
	}
	ended := info.Timestamp
	n := 0
	for _, key := range s.order {
		item := s.items[key]
		if !pred(item) {
			continue
		}
		item.State = StateFailed
		item.ProcessingEndedAt = &ended
		s.putLocked(item)
		s.errs[key] = info
		n++
	}
	return n
}

func (s *itemState) get(key string) (QueueItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	return item, ok
}

func (s *itemState) errorFor(key string) (ErrorInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.errs[key]
	return info, ok
}

// list returns the items matching pred in enqueue order.
func (s *itemState) list(pred func(QueueItem) bool) []QueueItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]QueueItem, 0, len(s.order))
	for _, key := range s.order {
		if item := s.items[key]; pred == nil || pred(item) {
			out = append(out, item)
		}
	}
	return out
}

func (s *itemState) failed() []FailedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FailedItem
	for _, key := range s.order {
		item := s.items[key]
		if item.State != StateFailed {
			continue
		}
		out = append(out, FailedItem{Item: item, Error: s.errs[key]})
	}
	return out
}

func (s *itemState) statuses() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.items))
	for key, item := range s.items {
		out[key] = item.State
	}
	return out
}

type itemCounts struct {
	queued, processing, completed, failed, cancelled, total int
}

func (s *itemState) counts() itemCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := itemCounts{total: len(s.items)}
	for _, item := range s.items {
		switch item.State {
		case StateQueued, StatePendingRetry:
			c.queued++
		case StateProcessing:
			c.processing++
		case StateCompleted:
			c.completed++
		case StateFailed:
			c.failed++
		case StateCancelled:
			c.cancelled++
		}
	}
	return c
}

// reset clears everything and moves to a new epoch.
func (s *itemState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.items = make(map[string]QueueItem)
	s.errs = make(map[string]ErrorInfo)
	s.order = nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
