package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/merkle"
)

type pendingLeaf struct {
	seq  uint64
	hash string
}

// Service accumulates event hashes and anchors them in Merkle batches.
type Service struct {
	mu        sync.Mutex
	pending   []pendingLeaf
	lastSeq   uint64
	anchors   []*Anchor
	byID      map[string]*Anchor
	trees     map[string]*merkle.Tree
	submitQ   []string
	threshold int

	local         *LocalAnchor
	backend       Backend
	policy        RetryPolicy
	limiter       *rate.Limiter
	submitTimeout time.Duration
	sleep         func(context.Context, time.Duration) error
	clock         func() time.Time
	logger        *slog.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithBackend sets the external backend. Without one, roots are committed
// to the LocalAnchor only and confirmed immediately.
func WithBackend(b Backend) Option {
	return func(s *Service) { s.backend = b }
}

// WithThreshold anchors automatically once n events are pending.
func WithThreshold(n int) Option {
	return func(s *Service) { s.threshold = n }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithRateLimit caps external submissions per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Service) { s.submitTimeout = d }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates an anchoring service.
func NewService(opts ...Option) *Service {
	s := &Service{
		byID:          make(map[string]*Anchor),
		trees:         make(map[string]*merkle.Tree),
		local:         NewLocalAnchor(),
		policy:        DefaultRetryPolicy(),
		limiter:       rate.NewLimiter(rate.Limit(10), 1),
		submitTimeout: 10 * time.Second,
		sleep:         sleepCtx,
		clock:         time.Now,
		logger:        slog.Default().With("component", "anchor"),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.MaxAttempts < 1 {
		s.policy.MaxAttempts = 1
	}
	return s
}

// Local exposes the always-available local record.
func (s *Service) Local() *LocalAnchor { return s.local }

// BackendName reports the external backend in use, or "local".
func (s *Service) BackendName() string {
	if s.backend == nil {
		return s.local.Name()
	}
	return s.backend.Name()
}

// Attach feeds every event appended to store into the service.
func (s *Service) Attach(store *eventstore.Store) {
	store.OnAppend(func(e eventstore.Event) {
		if _, err := s.Add(e); err != nil {
			s.logger.Warn("event not queued for anchoring", "sequence", e.Sequence, "error", err)
		}
	})
}

// AutoAnchorOnThreshold anchors automatically whenever n events are pending.
// n <= 0 disables automatic anchoring.
func (s *Service) AutoAnchorOnThreshold(n int) {
	s.mu.Lock()
	s.threshold = n
	var created *Anchor
	if n > 0 && len(s.pending) >= n {
		created = s.createLocked()
	}
	s.mu.Unlock()
	if created != nil {
		s.notify()
	}
}

// Add queues an event hash. When the threshold is reached the pending batch
// is anchored and the new anchor returned. Add never blocks on I/O.
func (s *Service) Add(e eventstore.Event) (*Anchor, error) {
	if b, err := hex.DecodeString(e.Hash); err != nil || len(b) != sha256.Size {
		return nil, fmt.Errorf("%w: event %d", merkle.ErrInvalidLeaf, e.Sequence)
	}
	s.mu.Lock()
	if e.Sequence <= s.lastSeq {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: sequence %d after %d", ErrOutOfOrder, e.Sequence, s.lastSeq)
	}
	s.lastSeq = e.Sequence
	s.pending = append(s.pending, pendingLeaf{seq: e.Sequence, hash: e.Hash})

	var created *Anchor
	if s.threshold > 0 && len(s.pending) >= s.threshold {
		created = s.createLocked()
	}
	s.mu.Unlock()

	if created == nil {
		return nil, nil
	}
	s.notify()
	a := created.clone()
	return &a, nil
}

// Pending returns the number of events waiting to be anchored.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CreateAnchor anchors every pending event. The root is committed to the
// LocalAnchor immediately; external submission is queued.
func (s *Service) CreateAnchor() (*Anchor, error) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil, ErrNothingToAnchor
	}
	created := s.createLocked()
	s.mu.Unlock()
	if created == nil {
		return nil, fmt.Errorf("anchor batch rejected, see logs")
	}
	s.notify()
	a := created.clone()
	return &a, nil
}

func (s *Service) createLocked() *Anchor {
	batch := s.pending
	leaves := make([]string, len(batch))
	seqs := make([]uint64, len(batch))
	for i, p := range batch {
		leaves[i] = p.hash
		seqs[i] = p.seq
	}
	tree, err := merkle.New(leaves)
	if err != nil {
		s.logger.Error("pending batch contains an invalid leaf", "error", err, "first_sequence", seqs[0])
		return nil
	}
	s.pending = nil

	root := tree.Root()
	localRef, _ := s.local.Submit(context.Background(), root)

	a := &Anchor{
		ID:        uuid.New().String(),
		Root:      root,
		Sequences: seqs,
		Leaves:    leaves,
		CreatedAt: s.clock().UTC(),
		LocalRef:  localRef,
		Backend:   s.BackendName(),
	}
	if s.backend == nil {
		a.TxRef = localRef
		a.Status = StatusConfirmed
	} else {
		a.Status = StatusPending
		s.submitQ = append(s.submitQ, a.ID)
	}

	s.anchors = append(s.anchors, a)
	s.byID[a.ID] = a
	s.trees[a.ID] = tree
	s.logger.Info("anchor created", "id", a.ID, "root", shortRoot(root), "events", len(seqs), "backend", a.Backend)
	return a
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the background submission worker until ctx is cancelled or
// Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if err := s.Drain(ctx); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
		}
	}()
	s.notify()
}

// Stop halts the worker. Unfinished submissions stay queued.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Drain processes queued external submissions on the calling goroutine.
func (s *Service) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, ok := s.nextSubmission()
		if !ok {
			return nil
		}
		s.submit(ctx, id)
	}
}

func (s *Service) nextSubmission() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submitQ) == 0 {
		return "", false
	}
	id := s.submitQ[0]
	s.submitQ = s.submitQ[1:]
	return id, true
}

func (s *Service) requeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitQ = append([]string{id}, s.submitQ...)
}

func (s *Service) submit(ctx context.Context, id string) {
	s.mu.Lock()
	a, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	root := a.Root
	startAttempt := a.Attempts
	s.mu.Unlock()

	for attempt := startAttempt; attempt < s.policy.MaxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			s.requeue(id)
			return
		}
		subCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
		txRef, err := s.backend.Submit(subCtx, root)
		cancel()

		if err == nil {
			status := s.backend.Status(ctx, txRef)
			s.mu.Lock()
			a.TxRef = txRef
			a.Status = status
			a.Attempts = attempt + 1
			a.LastError = ""
			s.mu.Unlock()
			s.logger.Info("anchor submitted", "id", id, "backend", s.backend.Name(), "tx_ref", txRef, "status", status)
			return
		}

		s.mu.Lock()
		a.Attempts = attempt + 1
		a.LastError = err.Error()
		s.mu.Unlock()
		s.logger.Warn("anchor submission failed", "id", id, "attempt", attempt+1, "error", err)

		if ctx.Err() != nil {
			s.requeue(id)
			return
		}
		if attempt+1 < s.policy.MaxAttempts {
			if err := s.sleep(ctx, s.policy.Backoff(id, attempt)); err != nil {
				s.requeue(id)
				return
			}
		}
	}

	s.mu.Lock()
	a.Degraded = true
	a.Status = StatusUnknown
	s.mu.Unlock()
	s.logger.Warn("anchor degraded to local record", "id", id, "local_ref", a.LocalRef, "attempts", s.policy.MaxAttempts)
}

// RefreshStatus re-queries the backend for an anchor's confirmation state.
func (s *Service) RefreshStatus(ctx context.Context, id string) (Status, error) {
	s.mu.Lock()
	a, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return StatusUnknown, fmt.Errorf("%w: %s", ErrAnchorNotFound, id)
	}
	txRef, degraded, current := a.TxRef, a.Degraded, a.Status
	s.mu.Unlock()

	if s.backend == nil || degraded || txRef == "" {
		return current, nil
	}
	status := s.backend.Status(ctx, txRef)
	s.mu.Lock()
	a.Status = status
	s.mu.Unlock()
	return status, nil
}

// Anchors returns copies of every anchor in creation order.
func (s *Service) Anchors() []Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Anchor, len(s.anchors))
	for i, a := range s.anchors {
		out[i] = a.clone()
	}
	return out
}

// Get returns a copy of one anchor.
func (s *Service) Get(id string) (Anchor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return Anchor{}, false
	}
	return a.clone(), true
}

// ProveEvent returns the anchor covering seq and the event's inclusion proof.
func (s *Service) ProveEvent(seq uint64) (Anchor, merkle.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.anchors {
		idx := slices.Index(a.Sequences, seq)
		if idx < 0 {
			continue
		}
		proof, err := s.trees[a.ID].Proof(idx)
		if err != nil {
			return Anchor{}, merkle.Proof{}, err
		}
		return a.clone(), proof, nil
	}
	return Anchor{}, merkle.Proof{}, fmt.Errorf("%w: sequence %d", ErrNotAnchored, seq)
}

// VerifyEvent checks that e is included under the anchor's root.
func VerifyEvent(e eventstore.Event, a Anchor, proof merkle.Proof) error {
	if err := proof.Verify(a.Root); err != nil {
		return err
	}
	if !merkle.VerifyProof(e.Hash, proof, a.Root) {
		return fmt.Errorf("%w: event %d hash not at proof leaf", merkle.ErrInvalidProof, e.Sequence)
	}
	return nil
}
