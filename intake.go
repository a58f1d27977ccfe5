package bulkq

import (
	"cmp"
	"slices"
	"sync"
)

type intakeEntry struct {
	key      string
	priority int
}

// intake is the FIFO of keys awaiting processing. Entries are hints: the
// item state is authoritative and stale entries are skipped on dequeue.
type intake struct {
	mu      sync.Mutex
	entries []intakeEntry
}

func (in *intake) push(entries ...intakeEntry) {
	in.mu.Lock()
	in.entries = append(in.entries, entries...)
	in.mu.Unlock()
}

func (in *intake) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.entries)
}

// drain empties the intake and returns how many entries it dropped.
func (in *intake) drain() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := len(in.entries)
	in.entries = nil
	return n
}

// dequeueBatch pops up to size entries from the front and orders only those
// by descending priority, keeping FIFO order among equal priorities. A
// higher-priority entry further back waits until the window ahead of it has
// been taken.
func (in *intake) dequeueBatch(size int) []intakeEntry {
	in.mu.Lock()
	defer in.mu.Unlock()

	n := min(size, len(in.entries))
	if n <= 0 {
		return nil
	}
	window := make([]intakeEntry, n)
	copy(window, in.entries[:n])
	in.entries = in.entries[n:]
	if len(in.entries) == 0 {
		in.entries = nil
	}

	slices.SortStableFunc(window, func(a, b intakeEntry) int {
		return cmp.Compare(b.priority, a.priority)
	})
	return window
}
