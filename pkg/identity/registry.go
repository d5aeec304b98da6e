package identity

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry maps agent ids to public identities. Only verify-only copies are
// stored, so a registry can be exported without leaking private keys.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		identities: make(map[string]*Identity),
		logger:     slog.Default().With("component", "identity_registry"),
	}
}

// Register adds the public half of id. Re-registering the same key is a no-op;
// registering a different key under an existing id fails.
func (r *Registry) Register(id *Identity) error {
	if id == nil {
		return fmt.Errorf("%w: nil identity", ErrInvalidKey)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.identities[id.ID()]; ok {
		if bytes.Equal(existing.publicKey, id.publicKey) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrIdentityExists, id.ID())
	}
	r.identities[id.ID()] = id.Public()
	r.logger.Debug("identity registered", "agent", id.ID())
	return nil
}

// Get returns the public identity for agentID.
func (r *Registry) Get(agentID string) (*Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[agentID]
	return id, ok
}

// Remove drops an identity. Returns false when it was not registered.
func (r *Registry) Remove(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.identities[agentID]; !ok {
		return false
	}
	delete(r.identities, agentID)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// VerifySignature verifies sig over msg using the registered key for agentID.
func (r *Registry) VerifySignature(agentID string, msg, sig []byte) error {
	id, ok := r.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if !id.Verify(msg, sig) {
		return fmt.Errorf("%w: agent %s", ErrInvalidSignature, agentID)
	}
	return nil
}

// List returns all public records sorted by agent id.
func (r *Registry) List() []PublicRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PublicRecord, 0, len(r.identities))
	for _, id := range r.identities {
		out = append(out, id.ToPublic())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Import registers every record, stopping at the first failure.
func (r *Registry) Import(records []PublicRecord) error {
	for _, rec := range records {
		id, err := rec.Identity()
		if err != nil {
			return fmt.Errorf("import %q: %w", rec.ID, err)
		}
		if err := r.Register(id); err != nil {
			return err
		}
	}
	return nil
}
