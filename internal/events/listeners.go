package events

import "sync"

type entry[L any] struct {
	id       uint64
	listener L
}

// listeners keeps registrations in the order they were added and
// optionally remembers the last notified value.
type listeners[T any, L any] struct {
	mu          sync.RWMutex
	entries     []entry[L]
	nextID      uint64
	replayLast  bool
	lastEvent   T
	hasNotified bool
}

func (l *listeners[T, L]) add(listener L) (uint64, T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.entries = append(l.entries, entry[L]{id: id, listener: listener})
	return id, l.lastEvent, l.replayLast && l.hasNotified
}

func (l *listeners[T, L]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// snapshot records value as the last event and returns a copy of the current listeners
func (l *listeners[T, L]) snapshot(value T) []L {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replayLast {
		l.lastEvent = value
		l.hasNotified = true
	}
	out := make([]L, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.listener
	}
	return out
}

func (l *listeners[T, L]) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
