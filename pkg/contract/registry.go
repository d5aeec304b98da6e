package contract

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/accord/pkg/identity"
)

// Option configures a Registry.
type Option func(*Registry)

// WithStoragePath persists every mutation to a JSON file at path.
func WithStoragePath(path string) Option {
	return func(r *Registry) { r.path = path }
}

// WithIdentities checks stored party signatures against ids on load.
func WithIdentities(ids *identity.Registry) Option {
	return func(r *Registry) { r.ids = ids }
}

// WithClock overrides the clock.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

type entry struct {
	mu sync.Mutex
	c  Contract
}

// Registry owns every contract. Reads and writes of a single contract are
// serialised by that contract's own lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	saveMu sync.Mutex
	path   string
	ids    *identity.Registry

	clock  func() time.Time
	logger *slog.Logger
}

// NewRegistry returns a registry, loading any existing storage file.
// A missing file yields an empty registry.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*entry),
		clock:   time.Now,
		logger:  slog.Default().With("component", "contract_registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.path != "" {
		loaded, err := loadFile(r.path, r.ids)
		if err != nil {
			return nil, err
		}
		for _, c := range loaded {
			r.entries[c.ID] = &entry{c: c}
		}
		if len(loaded) > 0 {
			r.logger.Info("contracts loaded", "path", r.path, "count", len(loaded))
		}
	}
	return r, nil
}

// Create registers a draft contract.
func (r *Registry) Create(t Terms) (Contract, error) {
	if err := validateTerms(t); err != nil {
		return Contract{}, err
	}

	parties := make([]Party, len(t.Parties))
	for i, p := range t.Parties {
		parties[i] = Party{Agent: p.Agent, Role: p.Role}
	}
	obligations := slices.Clone(t.Obligations)
	for i := range obligations {
		if !obligations[i].Deadline.IsZero() {
			obligations[i].Deadline = obligations[i].Deadline.UTC()
		}
	}

	c := Contract{
		SchemaVersion: SchemaVersion,
		ID:            uuid.NewString(),
		Title:         t.Title,
		Parties:       parties,
		Capabilities:  nonNil(slices.Clone(t.Capabilities)),
		Prohibitions:  nonNil(slices.Clone(t.Prohibitions)),
		Obligations:   nonNil(obligations),
		Status:        StatusDraft,
		CreatedAt:     r.clock().UTC(),
	}
	if !t.ExpiresAt.IsZero() {
		c.ExpiresAt = t.ExpiresAt.UTC()
	}
	hash, err := c.ComputeHash()
	if err != nil {
		return Contract{}, fmt.Errorf("contract: hash terms: %w", err)
	}
	c.ContentHash = hash

	r.mu.Lock()
	r.entries[c.ID] = &entry{c: c}
	r.mu.Unlock()

	r.logger.Info("contract created", "contract_id", c.ID, "parties", len(parties))
	return c.Clone(), r.persist()
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the contract.
func (r *Registry) Get(id string) (Contract, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Contract{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c.Clone(), nil
}

// update runs fn under the contract lock and persists when fn reports a change.
func (r *Registry) update(id string, fn func(c *Contract, now time.Time) (bool, error)) (Contract, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Contract{}, err
	}

	e.mu.Lock()
	changed, err := fn(&e.c, r.clock().UTC())
	out := e.c.Clone()
	e.mu.Unlock()

	if err != nil {
		return out, err
	}
	if changed {
		return out, r.persist()
	}
	return out, nil
}

// Sign records agent's signature. Signing twice is a no-op. The contract
// becomes active once every party has signed.
func (r *Registry) Sign(id, agent string) (Contract, error) {
	return r.sign(id, agent, "")
}

// SignWith signs the content hash with signer's key and records the signature.
func (r *Registry) SignWith(id string, signer *identity.Identity) (Contract, error) {
	c, err := r.Get(id)
	if err != nil {
		return Contract{}, err
	}
	sig, err := signer.SignHex([]byte(c.ContentHash))
	if err != nil {
		return Contract{}, err
	}
	return r.sign(id, signer.ID(), sig)
}

func (r *Registry) sign(id, agent, signature string) (Contract, error) {
	return r.update(id, func(c *Contract, now time.Time) (bool, error) {
		idx := slices.IndexFunc(c.Parties, func(p Party) bool { return p.Agent == agent })
		if idx < 0 {
			return false, fmt.Errorf("%w: %s on %s", ErrNotParty, agent, c.ID)
		}
		if c.Parties[idx].Signed {
			return false, nil
		}
		if c.Status.Terminal() {
			return false, fmt.Errorf("%w: cannot sign %s contract", ErrInvalidState, c.Status)
		}

		c.Parties[idx].Signed = true
		c.Parties[idx].SignedAt = now
		c.Parties[idx].Signature = signature

		if slices.ContainsFunc(c.Parties, func(p Party) bool { return !p.Signed }) {
			c.Status = StatusSignedPartial
		} else {
			c.Status = StatusActive
			c.ActivatedAt = now
			r.logger.Info("contract active", "contract_id", c.ID)
		}
		return true, nil
	})
}

// Terminate ends the contract. Terminal contracts cannot be terminated again.
func (r *Registry) Terminate(id, reason string) (Contract, error) {
	return r.update(id, func(c *Contract, now time.Time) (bool, error) {
		if c.Status.Terminal() {
			return false, fmt.Errorf("%w: contract already %s", ErrInvalidState, c.Status)
		}
		c.Status = StatusTerminated
		c.TerminatedAt = now
		c.TerminationReason = reason
		r.logger.Info("contract terminated", "contract_id", c.ID, "reason", reason)
		return true, nil
	})
}

// List returns every contract ordered by creation time.
func (r *Registry) List() []Contract {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Contract, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.c.Clone())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Contract) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of contracts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// FindContracts returns contracts naming both agents as parties. With
// activeOnly, only contracts enforceable now are returned.
func (r *Registry) FindContracts(agentA, agentB string, activeOnly bool) []Contract {
	now := r.clock()
	var out []Contract
	for _, c := range r.List() {
		if !c.HasParties(agentA, agentB) {
			continue
		}
		if activeOnly && !c.ActiveAt(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// CleanupExpired moves every non-terminal contract whose expiry has passed
// to expired and returns how many changed.
func (r *Registry) CleanupExpired() (int, error) {
	now := r.clock().UTC()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.c.Status.Terminal() && !e.c.ExpiresAt.IsZero() && !now.Before(e.c.ExpiresAt) {
			e.c.Status = StatusExpired
			n++
		}
		e.mu.Unlock()
	}
	if n == 0 {
		return 0, nil
	}
	r.logger.Info("contracts expired", "count", n)
	return n, r.persist()
}

func (r *Registry) persist() error {
	if r.path == "" {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if err := saveFile(r.path, r.List()); err != nil {
		r.logger.Error("contract persistence failed", "path", r.path, "error", err)
		return err
	}
	return nil
}
