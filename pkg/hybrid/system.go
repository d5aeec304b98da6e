// Package hybrid composes the event store, trust graph, contracts, policy
// verifiers, anchoring and escalation into one verification pipeline.
//
// RecordEvent appends first and verifies second: the chain is the audit
// trail of everything agents attempted, including what failed verification.
// Every check runs in isolation. A check that fails or panics downgrades only
// its own entry in the Result.
package hybrid

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/anchor"
	"github.com/Mindburn-Labs/accord/pkg/attestation"
	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/contract"
	"github.com/Mindburn-Labs/accord/pkg/escalation"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
	"github.com/Mindburn-Labs/accord/pkg/observability"
	"github.com/Mindburn-Labs/accord/pkg/policy"
	"github.com/Mindburn-Labs/accord/pkg/trust"
)

// SystemAgent is the agent id under which the system records its own
// actions (contract lifecycle, governance decisions).
const SystemAgent = "accord"

var (
	ErrNoGovernance = errors.New("hybrid: no governance policy configured")
	ErrUnknownLevel = errors.New("hybrid: unknown verification level")
)

// Level selects how much verification RecordEvent performs.
type Level string

const (
	// LevelBasic appends and checks the chain link only.
	LevelBasic Level = "basic"
	// LevelStandard adds signature, policy, trust, contract and obligation checks.
	LevelStandard Level = "standard"
	// LevelFull adds Merkle anchoring. Events are queued and sealed into an
	// anchor batch once the anchor service's threshold is reached.
	LevelFull Level = "full"
)

// DefaultAnchorThreshold is the batch size of the anchor service New builds
// when none is supplied.
const DefaultAnchorThreshold = 100

// ParseLevel maps a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelBasic, LevelStandard, LevelFull:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}

func (l Level) atLeast(o Level) bool { return l.rank() >= o.rank() }

func (l Level) rank() int {
	switch l {
	case LevelBasic:
		return 1
	case LevelStandard:
		return 2
	case LevelFull:
		return 3
	}
	return 0
}

// Option configures a System.
type Option func(*System)

// WithStore and the options below replace the in-memory defaults.
func WithStore(s *eventstore.Store) Option { return func(h *System) { h.store = s } }
func WithIdentities(r *identity.Registry) Option { return func(h *System) { h.identities = r } }
func WithTrustGraph(g *trust.Graph) Option { return func(h *System) { h.graph = g } }
func WithReputation(r *trust.ReputationSystem) Option { return func(h *System) { h.reputation = r } }
func WithContracts(r *contract.Registry) Option { return func(h *System) { h.contracts = r } }
func WithMonitor(m *policy.Monitor) Option { return func(h *System) { h.monitor = m } }
func WithAnchors(a *anchor.Service) Option { return func(h *System) { h.anchors = a } }
func WithAttestations(r *attestation.Registry) Option { return func(h *System) { h.attestations = r } }
func WithEscalations(m *escalation.Manager) Option { return func(h *System) { h.escalations = m } }
func WithRouter(r interfaces.Router) Option { return func(h *System) { h.router = r } }
func WithTelemetry(p *observability.Provider) Option { return func(h *System) { h.telemetry = p } }

// WithGovernance sets the policy DecideProposal delegates to.
func WithGovernance(g interfaces.GovernancePolicy) Option {
	return func(h *System) { h.governance = g }
}

// WithAlertFunc receives every violation the pipeline raises.
func WithAlertFunc(f interfaces.AlertFunc) Option {
	return func(h *System) { h.alert = f }
}

// WithDefaultLevel sets the level used when RecordEvent is given none.
func WithDefaultLevel(l Level) Option {
	return func(h *System) { h.defaultLevel = l }
}

// WithTrustThreshold sets the reputation score IsTrusted requires. It is
// also the minimum effective trust for IsTrustedBy.
func WithTrustThreshold(t float64) Option {
	return func(h *System) { h.trustThreshold = t }
}

// WithEscalationThreshold opens an escalation for any failure at or above sev.
func WithEscalationThreshold(sev interfaces.Severity) Option {
	return func(h *System) { h.escalateAt = sev }
}

// WithRequireSignatures fails unsigned events and messages.
func WithRequireSignatures(on bool) Option {
	return func(h *System) { h.requireSignatures = on }
}

// WithStrictContracts fails events from agents bound by no active contract.
func WithStrictContracts(on bool) Option {
	return func(h *System) { h.strictContracts = on }
}

// WithClock overrides the clock used for obligation deadlines.
func WithClock(clock func() time.Time) Option {
	return func(h *System) { h.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *System) { h.logger = l }
}

// System is the hybrid verification orchestrator.
type System struct {
	store        *eventstore.Store
	identities   *identity.Registry
	graph        *trust.Graph
	reputation   *trust.ReputationSystem
	contracts    *contract.Registry
	verifier     *contract.Verifier
	monitor      *policy.Monitor
	anchors      *anchor.Service
	attestations *attestation.Registry
	escalations  *escalation.Manager
	router       interfaces.Router
	governance   interfaces.GovernancePolicy
	telemetry    *observability.Provider
	alert        interfaces.AlertFunc

	defaultLevel      Level
	trustThreshold    float64
	escalateAt        interfaces.Severity
	requireSignatures bool
	strictContracts   bool
	clock             func() time.Time
	logger            *slog.Logger

	mu       sync.Mutex
	counts   counters
	reported map[string]bool
}

type counters struct {
	recorded map[Level]int
	verified int
	failed   int
	messages int
	denied   int
}

// New assembles a System. Components not supplied are created in memory.
func New(opts ...Option) (*System, error) {
	s := &System{
		defaultLevel:   LevelStandard,
		trustThreshold: 0.5,
		escalateAt:     interfaces.SeverityHigh,
		clock:          time.Now,
		logger:         slog.Default().With("component", "hybrid"),
		reported:       make(map[string]bool),
		counts:         counters{recorded: make(map[Level]int)},
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := ParseLevel(string(s.defaultLevel)); err != nil {
		return nil, err
	}
	if !s.escalateAt.Valid() {
		return nil, fmt.Errorf("hybrid: unknown escalation threshold %q", s.escalateAt)
	}

	if s.store == nil {
		s.store = eventstore.New()
	}
	if s.identities == nil {
		s.identities = identity.NewRegistry()
	}
	if s.graph == nil {
		s.graph = trust.NewGraph(trust.WithGraphClock(s.clock))
	}
	if s.reputation == nil {
		s.reputation = trust.NewReputationSystem(trust.WithReputationClock(s.clock))
	}
	if s.contracts == nil {
		reg, err := contract.NewRegistry(contract.WithClock(s.clock), contract.WithIdentities(s.identities))
		if err != nil {
			return nil, err
		}
		s.contracts = reg
	}
	s.verifier = contract.NewVerifier(s.contracts, contract.WithVerifierClock(s.clock))
	if s.monitor == nil {
		m, err := policy.NewMonitor(nil, policy.WithMonitorClock(s.clock))
		if err != nil {
			return nil, err
		}
		s.monitor = m
	}
	if s.anchors == nil {
		s.anchors = anchor.NewService(anchor.WithClock(s.clock), anchor.WithThreshold(DefaultAnchorThreshold))
	}
	if s.attestations == nil {
		s.attestations = attestation.NewRegistry(s.identities).WithClock(s.clock)
	}
	if s.escalations == nil {
		s.escalations = escalation.NewManager(escalation.WithClock(s.clock))
	}
	return s, nil
}

// Store returns the event store.
func (s *System) Store() *eventstore.Store { return s.store }

// Identities returns the public identity registry.
func (s *System) Identities() *identity.Registry { return s.identities }

// TrustGraph returns the delegation graph.
func (s *System) TrustGraph() *trust.Graph { return s.graph }

// Reputation returns the reputation system.
func (s *System) Reputation() *trust.ReputationSystem { return s.reputation }

// Contracts returns the contract registry.
func (s *System) Contracts() *contract.Registry { return s.contracts }

// ContractVerifier returns the verifier holding obligation clocks.
func (s *System) ContractVerifier() *contract.Verifier { return s.verifier }

// Monitor returns the policy monitor.
func (s *System) Monitor() *policy.Monitor { return s.monitor }

// Anchors returns the anchoring service.
func (s *System) Anchors() *anchor.Service { return s.anchors }

// Attestations returns the attestation registry. Issuers are checked
// against the system's identity registry.
func (s *System) Attestations() *attestation.Registry { return s.attestations }

// Escalations returns the escalation manager.
func (s *System) Escalations() *escalation.Manager { return s.escalations }

// RegisterAgent adds the public half of id to the registry and records the
// registration in the chain.
func (s *System) RegisterAgent(ctx context.Context, id *identity.Identity) error {
	if err := s.identities.Register(id.Public()); err != nil {
		return err
	}
	_, err := s.audit(ctx, id.ID(), "agent.register", id.ToPublic())
	return err
}

// IsTrusted reports whether agent's reputation meets the trust threshold
// and the agent is not in the untrusted tier.
func (s *System) IsTrusted(agent string) bool {
	rep := s.reputation.Get(agent)
	return rep.Score >= s.trustThreshold && rep.Level != trust.LevelUntrusted
}

// IsTrustedBy reports whether from's effective trust in to within scope
// meets the trust threshold.
func (s *System) IsTrustedBy(from, to, scope string) bool {
	return s.graph.EffectiveTrustInScope(from, to, scope) >= s.trustThreshold
}

// DelegateTrust adds or replaces the edge from -> to and records it.
func (s *System) DelegateTrust(ctx context.Context, from, to, scope string, weight float64, expiresAt time.Time) (trust.Delegation, error) {
	d, err := s.graph.Delegate(from, to, scope, weight, expiresAt)
	if err != nil {
		return trust.Delegation{}, err
	}
	if _, err := s.audit(ctx, from, "trust.delegate", d); err != nil {
		return d, err
	}
	return d, nil
}

// RevokeTrust removes the edge from -> to and records it.
func (s *System) RevokeTrust(ctx context.Context, from, to string) error {
	if err := s.graph.Revoke(from, to); err != nil {
		return err
	}
	_, err := s.audit(ctx, from, "trust.revoke", map[string]string{"to": to})
	return err
}

// CreateContract registers a draft contract and records its content hash.
func (s *System) CreateContract(ctx context.Context, terms contract.Terms) (contract.Contract, error) {
	c, err := s.contracts.Create(terms)
	if err != nil {
		return contract.Contract{}, err
	}
	_, err = s.audit(ctx, SystemAgent, "contract.create", map[string]any{
		"contract_id":  c.ID,
		"content_hash": c.ContentHash,
		"parties":      len(c.Parties),
	})
	return c, err
}

// SignContract marks agent as having signed. Signing twice is a no-op.
func (s *System) SignContract(ctx context.Context, contractID, agent string) (contract.Contract, error) {
	c, err := s.contracts.Sign(contractID, agent)
	if err != nil {
		return contract.Contract{}, err
	}
	_, err = s.audit(ctx, agent, "contract.sign", map[string]string{"contract_id": c.ID, "status": string(c.Status)})
	return c, err
}

// SignContractWith countersigns the content hash with signer's key.
func (s *System) SignContractWith(ctx context.Context, contractID string, signer *identity.Identity) (contract.Contract, error) {
	c, err := s.contracts.SignWith(contractID, signer)
	if err != nil {
		return contract.Contract{}, err
	}
	_, err = s.audit(ctx, signer.ID(), "contract.sign", map[string]string{"contract_id": c.ID, "status": string(c.Status)})
	return c, err
}

// RequestAttestation asks issuer to vouch for claim about subject.
func (s *System) RequestAttestation(ctx context.Context, subject, claim, issuer, requestedBy string) (attestation.Attestation, error) {
	a, err := s.attestations.Request(subject, claim, issuer, requestedBy)
	if err != nil {
		return attestation.Attestation{}, err
	}
	_, err = s.audit(ctx, cmp.Or(requestedBy, SystemAgent), "attestation.request", map[string]string{
		"attestation_id": a.ID,
		"subject":        subject,
		"claim":          claim,
		"issuer":         issuer,
	})
	return a, err
}

// FulfillAttestation signs a pending request with issuer's key. The chain
// records the token digest, not the token.
func (s *System) FulfillAttestation(ctx context.Context, id string, issuer *identity.Identity, ttl time.Duration) (attestation.Attestation, error) {
	a, err := s.attestations.Fulfill(id, issuer, ttl)
	if err != nil {
		return attestation.Attestation{}, err
	}
	_, err = s.audit(ctx, issuer.ID(), "attestation.fulfill", map[string]any{
		"attestation_id": a.ID,
		"subject":        a.Subject,
		"claim":          a.Claim,
		"token_hash":     canonicalize.HashBytes([]byte(a.Token)),
		"expires_at":     a.ExpiresAt,
	})
	return a, err
}

// audit appends a system record without running checks.
func (s *System) audit(ctx context.Context, agent, action string, payload any) (eventstore.Event, error) {
	e, err := s.store.Append(agent, action, payload)
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("audit %s: %w", action, err)
	}
	s.telemetry.RecordEvent(ctx, "audit")
	return e, nil
}

// Close stops the anchoring worker and every escalation timer. The store
// is owned by the caller.
func (s *System) Close() {
	s.anchors.Stop()
	s.escalations.Close()
}
