// Package anchor batches event hashes into Merkle roots and commits those
// roots to a local record and, optionally, an external anchor backend.
//
// The local record always succeeds, so anchoring makes forward progress with
// no external connectivity. External submission runs off the append path in
// a background queue with bounded retry.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Status is the external confirmation state of an anchored root.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusUnknown   Status = "unknown"
)

var (
	// ErrAnchorUnavailable wraps every external backend failure. It is
	// recoverable: the local anchor remains the commitment of record.
	ErrAnchorUnavailable = errors.New("anchor backend unavailable")
	ErrNothingToAnchor   = errors.New("no pending events to anchor")
	ErrAnchorNotFound    = errors.New("anchor not found")
	ErrNotAnchored       = errors.New("event is not anchored")
	ErrOutOfOrder        = errors.New("event added out of sequence order")
)

// Backend commits a Merkle root somewhere durable. Submit may fail with an
// error wrapping ErrAnchorUnavailable. Status must never fail; an unreachable
// backend reports StatusUnknown.
type Backend interface {
	Name() string
	Submit(ctx context.Context, root string) (txRef string, err error)
	Status(ctx context.Context, txRef string) Status
}

// Anchor is one committed batch.
type Anchor struct {
	ID        string    `json:"id"`
	Root      string    `json:"root"`
	Sequences []uint64  `json:"sequences"`
	Leaves    []string  `json:"leaves"`
	CreatedAt time.Time `json:"created_at"`
	// LocalRef is the LocalAnchor transaction reference, always present.
	LocalRef string `json:"local_ref"`
	Backend  string `json:"backend"`
	TxRef    string `json:"tx_ref,omitempty"`
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	// Degraded is set when external submission gave up and only the local
	// record commits this root.
	Degraded  bool   `json:"degraded"`
	LastError string `json:"last_error,omitempty"`
}

func (a Anchor) clone() Anchor {
	a.Sequences = slices.Clone(a.Sequences)
	a.Leaves = slices.Clone(a.Leaves)
	return a
}

// FirstSeq and LastSeq bound the anchored batch.
func (a Anchor) FirstSeq() uint64 { return a.Sequences[0] }
func (a Anchor) LastSeq() uint64  { return a.Sequences[len(a.Sequences)-1] }

// LocalAnchor is the in-memory backend. It never fails.
type LocalAnchor struct {
	mu    sync.RWMutex
	roots map[string]string
	order []string
}

func NewLocalAnchor() *LocalAnchor {
	return &LocalAnchor{roots: make(map[string]string)}
}

func (l *LocalAnchor) Name() string { return "local" }

func (l *LocalAnchor) Submit(_ context.Context, root string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref := fmt.Sprintf("local:%d:%s", len(l.order)+1, shortRoot(root))
	l.roots[ref] = root
	l.order = append(l.order, ref)
	return ref, nil
}

func (l *LocalAnchor) Status(_ context.Context, txRef string) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.roots[txRef]; ok {
		return StatusConfirmed
	}
	return StatusUnknown
}

// Root returns the root recorded under txRef.
func (l *LocalAnchor) Root(txRef string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.roots[txRef]
	return r, ok
}

func (l *LocalAnchor) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

func shortRoot(root string) string {
	if len(root) > 16 {
		return root[:16]
	}
	return root
}
