package engine

import (
	"context"
	"sync"

	"github.com/roach88/eventcore/internal/model"
)

type streamKey struct {
	scope  model.ScopeID
	stream model.StreamID
}

// StreamEventWatcher wakes processing loops when events are committed.
//
// Producers call NotifyForEvent after a commit; loops call Watch or
// WaitForEvent with the position they are missing. The watcher remembers the
// highest committed position per stream, so a notification that races ahead
// of a Watch call is never lost.
//
// Thread-safety: all methods are safe for concurrent use.
type StreamEventWatcher struct {
	mu      sync.Mutex
	streams map[streamKey]*watchedStream
	nextID  uint64
}

type watchedStream struct {
	seen    bool
	highest model.StreamPosition
	waiters map[uint64]watcherEntry
}

type watcherEntry struct {
	position model.StreamPosition
	ch       chan struct{}
}

// closedSignal is returned when the wanted event is already committed.
var closedSignal = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewStreamEventWatcher creates an empty watcher.
func NewStreamEventWatcher() *StreamEventWatcher {
	return &StreamEventWatcher{
		streams: make(map[streamKey]*watchedStream),
	}
}

// NotifyForEvent records that the event at position was committed and wakes
// every waiter whose position has been reached.
func (w *StreamEventWatcher) NotifyForEvent(scope model.ScopeID, stream model.StreamID, position model.StreamPosition) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.stream(streamKey{scope, stream})
	if s.seen && position <= s.highest {
		return
	}
	s.seen = true
	s.highest = position

	for id, entry := range s.waiters {
		if entry.position <= position {
			close(entry.ch)
			delete(s.waiters, id)
		}
	}
}

// Watch implements EventWaiter.
func (w *StreamEventWatcher) Watch(scope model.ScopeID, stream model.StreamID, position model.StreamPosition) (<-chan struct{}, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := streamKey{scope, stream}
	s := w.stream(key)
	if s.seen && s.highest >= position {
		return closedSignal, func() {}
	}

	w.nextID++
	id := w.nextID
	ch := make(chan struct{})
	s.waiters[id] = watcherEntry{position: position, ch: ch}

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if s, ok := w.streams[key]; ok {
			delete(s.waiters, id)
		}
	}
	return ch, cancel
}

// WaitForEvent blocks until an event at or beyond position is committed to
// the stream or ctx is done.
func (w *StreamEventWatcher) WaitForEvent(ctx context.Context, scope model.ScopeID, stream model.StreamID, position model.StreamPosition) error {
	ch, cancel := w.Watch(scope, stream, position)
	defer cancel()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Highest returns the highest committed position seen for the stream.
func (w *StreamEventWatcher) Highest(scope model.ScopeID, stream model.StreamID) (model.StreamPosition, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.streams[streamKey{scope, stream}]
	if !ok || !s.seen {
		return 0, false
	}
	return s.highest, true
}

// Waiting returns the number of pending watches across all streams.
func (w *StreamEventWatcher) Waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, s := range w.streams {
		n += len(s.waiters)
	}
	return n
}

// stream returns the entry for key, creating it. Caller holds w.mu.
func (w *StreamEventWatcher) stream(key streamKey) *watchedStream {
	s, ok := w.streams[key]
	if !ok {
		s = &watchedStream{waiters: make(map[uint64]watcherEntry)}
		w.streams[key] = s
	}
	return s
}
