package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/identity"
)

// AppendHandler is called, in sequence order, after each successful append.
// Handlers run while the writer lock is held and must not call back into the
// store's append methods.
type AppendHandler func(e Event)

// Store is the append-only event log. Appends are serialized through a
// single writer lock; readers work on immutable snapshots.
type Store struct {
	mu       sync.RWMutex
	events   []*Event
	head     string
	handlers []AppendHandler
	journal  Journal
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithJournal persists every appended event through j.
func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		head:   GenesisHash,
		clock:  time.Now,
		logger: slog.Default().With("component", "eventstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open replays the journal into a new store and verifies the recovered chain.
// A journal that fails verification yields an *IntegrityError and no store.
func Open(ctx context.Context, j Journal, opts ...Option) (*Store, error) {
	events, err := j.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if err := VerifyChain(events); err != nil {
		return nil, err
	}

	s := New(append(opts, WithJournal(j))...)
	s.events = make([]*Event, 0, len(events))
	for i := range events {
		e := events[i]
		s.events = append(s.events, &e)
	}
	if n := len(s.events); n > 0 {
		s.head = s.events[n-1].Hash
	}
	s.logger.Info("event log recovered", "events", len(s.events), "head", short(s.head))
	return s, nil
}

// Append validates and appends an unsigned event.
func (s *Store) Append(agent, action string, payload any) (Event, error) {
	return s.AppendRecord(Record{Agent: agent, Action: action, Payload: payload})
}

// AppendSigned appends an event on behalf of signer, attaching the signer's
// signature over SigningBytes.
func (s *Store) AppendSigned(signer *identity.Identity, action string, payload any) (Event, error) {
	agent, normAction, raw, err := Record{Agent: signer.ID(), Action: action, Payload: payload}.normalize()
	if err != nil {
		return Event{}, err
	}
	msg, err := SigningBytes(agent, normAction, raw)
	if err != nil {
		return Event{}, err
	}
	sig, err := signer.SignHex(msg)
	if err != nil {
		return Event{}, err
	}
	return s.AppendRecord(Record{Agent: agent, Action: normAction, Payload: raw, Signature: sig})
}

// AppendRecord validates r and appends it. Validation happens before the
// writer lock is taken, so a rejected record never touches the chain.
func (s *Store) AppendRecord(r Record) (Event, error) {
	agent, action, payload, err := r.normalize()
	if err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Event{
		Sequence:  uint64(len(s.events)) + 1,
		Agent:     agent,
		Action:    action,
		Payload:   json.RawMessage(payload),
		Timestamp: s.clock().UTC(),
		PrevHash:  s.head,
		Signature: r.Signature,
	}
	hash, err := e.ComputeHash()
	if err != nil {
		return Event{}, err
	}
	e.Hash = hash

	s.events = append(s.events, e)
	s.head = hash

	if s.journal != nil {
		s.journal.Write(e.Clone())
	}
	for _, h := range s.handlers {
		h(e.Clone())
	}
	return e.Clone(), nil
}

// OnAppend registers a handler for new events.
func (s *Store) OnAppend(h AppendHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Snapshot returns an immutable view of the current log.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.events)
	return Snapshot{events: s.events[:n:n], head: s.head}
}

// Head returns the current chain head hash.
func (s *Store) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Get returns the event with the given sequence.
func (s *Store) Get(seq uint64) (Event, error) {
	e, ok := s.Snapshot().Get(seq)
	if !ok {
		return Event{}, fmt.Errorf("%w: sequence %d", ErrEventNotFound, seq)
	}
	return e, nil
}

// Query lazily yields events matching f from a snapshot taken at call time.
func (s *Store) Query(f Filter) iter.Seq[Event] {
	return s.Snapshot().Query(f)
}

// VerifyChain verifies the whole log.
func (s *Store) VerifyChain() error {
	if err := s.Snapshot().Verify(); err != nil {
		s.logger.Error("chain verification failed", "error", err)
		return err
	}
	return nil
}

// Close flushes and closes the journal, if any.
func (s *Store) Close(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Flush(ctx); err != nil {
		s.logger.Warn("journal flush failed on close", "error", err)
	}
	return s.journal.Close()
}
