package eventstore

import "time"

// Filter selects events. Zero-valued fields do not constrain.
type Filter struct {
	Agent   string
	Action  string
	Since   time.Time
	Until   time.Time
	FromSeq uint64
	ToSeq   uint64
	Limit   int
}

func (f Filter) matches(e *Event) bool {
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.FromSeq > 0 && e.Sequence < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && e.Sequence > f.ToSeq {
		return false
	}
	return true
}
