package eventstore

import (
	"iter"
)

// Snapshot is an immutable view of the log at a point in time. Appends made
// after the snapshot was taken are never visible through it.
type Snapshot struct {
	events []*Event
	head   string
}

func (s Snapshot) Len() int { return len(s.events) }

// Head returns the hash of the last event, or GenesisHash for an empty log.
func (s Snapshot) Head() string { return s.head }

// At returns a copy of the event at 0-based index i.
func (s Snapshot) At(i int) Event { return s.events[i].Clone() }

// Get returns the event with sequence seq.
func (s Snapshot) Get(seq uint64) (Event, bool) {
	if seq == 0 || seq > uint64(len(s.events)) {
		return Event{}, false
	}
	return s.events[seq-1].Clone(), true
}

// Events returns copies of every event in order.
func (s Snapshot) Events() []Event {
	out := make([]Event, len(s.events))
	for i, e := range s.events {
		out[i] = e.Clone()
	}
	return out
}

// All iterates every event in sequence order.
func (s Snapshot) All() iter.Seq[Event] {
	return s.Query(Filter{})
}

// Query lazily yields matching events in sequence order. The returned
// sequence can be ranged over any number of times.
func (s Snapshot) Query(f Filter) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		n := 0
		for _, e := range s.events {
			if f.Limit > 0 && n >= f.Limit {
				return
			}
			if !f.matches(e) {
				continue
			}
			n++
			if !yield(e.Clone()) {
				return
			}
		}
	}
}

// Verify checks the snapshot's chain end to end.
func (s Snapshot) Verify() error {
	return VerifyChain(s.Events())
}
