package dispatch

import (
	"sync"
	"time"
)

type scheduledEntry struct {
	timer *time.Timer
	item  work
}

// scheduler parks envelopes posted with a dispatch delay. A parked
// envelope never occupies a shard queue slot and never blocks a shard
// worker; when its timer fires it is enqueued through the normal path.
// Cancellation is honored until the moment the entry is taken for
// delivery; the take/cancel race is serialized on the mutex, so whoever
// removes the entry first wins.
type scheduler struct {
	mu      sync.Mutex
	entries map[string]*scheduledEntry
	stopped bool
}

func newScheduler() *scheduler {
	return &scheduler{entries: make(map[string]*scheduledEntry)}
}

// schedule parks the item and arranges fire to run after delay, unless
// the entry is canceled first.
func (s *scheduler) schedule(delay time.Duration, item work, fire func(work)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	id := item.env.ID()
	entry := &scheduledEntry{item: item}
	entry.timer = time.AfterFunc(delay, func() {
		if taken, ok := s.take(id); ok {
			fire(taken)
		}
	})
	s.entries[id] = entry
	return true
}

// take removes a pending entry for delivery.
func (s *scheduler) take(id string) (work, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok || s.stopped {
		return work{}, false
	}
	delete(s.entries, id)
	return entry.item, true
}

// cancel removes a pending entry before its timer fires. Returns the
// parked item so the caller can complete its pending result. ok=false
// means the entry was already taken for delivery or never existed.
func (s *scheduler) cancel(id string) (work, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return work{}, false
	}
	delete(s.entries, id)
	entry.timer.Stop()
	return entry.item, true
}

// stop cancels every pending entry and returns them for result
// completion. No entry fires after stop returns.
func (s *scheduler) stop() []work {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	pending := make([]work, 0, len(s.entries))
	for id, entry := range s.entries {
		entry.timer.Stop()
		pending = append(pending, entry.item)
		delete(s.entries, id)
	}
	return pending
}
