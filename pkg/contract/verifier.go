package contract

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// Decision is the outcome of checking one action against one contract.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	ContractID string `json:"contract_id,omitempty"`
	Agent      string `json:"agent"`
	Action     string `json:"action"`
	Rule       string `json:"rule,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	Reason     string `json:"reason"`
}

// Violation returns the denial as a *Violation, or nil when allowed.
func (d Decision) Violation(at time.Time) *Violation {
	if d.Allowed {
		return nil
	}
	return &Violation{
		ContractID: d.ContractID,
		Agent:      d.Agent,
		Rule:       d.Rule,
		Detail:     d.Reason,
		Severity:   ruleSeverity(d.Rule),
		At:         at,
	}
}

// MessageVerdict is the outcome of VerifyMessage.
type MessageVerdict struct {
	Allowed   bool       `json:"allowed"`
	Reason    string     `json:"reason"`
	Decisions []Decision `json:"decisions,omitempty"`
}

// Violation returns the first denial as a *Violation, or nil when allowed.
func (v MessageVerdict) Violation(msg interfaces.Message, at time.Time) *Violation {
	if v.Allowed {
		return nil
	}
	for _, d := range v.Decisions {
		if !d.Allowed {
			return d.Violation(at)
		}
	}
	return &Violation{
		ContractID: msg.ContractID,
		Agent:      msg.Sender,
		Rule:       RuleNoContract,
		Detail:     v.Reason,
		Severity:   ruleSeverity(RuleNoContract),
		At:         at,
	}
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the clock.
func WithVerifierClock(clock func() time.Time) VerifierOption {
	return func(v *Verifier) { v.clock = clock }
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// Verifier checks actions against contracts held in a Registry and keeps
// the obligation clocks those contracts define.
type Verifier struct {
	registry *Registry

	mu      sync.Mutex
	pending map[string][]*PendingObligation
	seeded  map[string]bool

	clock  func() time.Time
	logger *slog.Logger
}

// NewVerifier returns a verifier over registry.
func NewVerifier(registry *Registry, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		registry: registry,
		pending:  make(map[string][]*PendingObligation),
		seeded:   make(map[string]bool),
		clock:    time.Now,
		logger:   slog.Default().With("component", "contract_verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Registry returns the registry the verifier reads from.
func (v *Verifier) Registry() *Registry { return v.registry }

// Verify decides whether agent may perform action under c. The agent must
// be a signed party of an active contract and hold a matching capability.
// A matching prohibition denies the action even when a capability also matches.
func (v *Verifier) Verify(c Contract, agent, action string) Decision {
	d := Decision{ContractID: c.ID, Agent: agent, Action: action}
	deny := func(rule, pattern, reason string) Decision {
		d.Rule, d.Pattern, d.Reason = rule, pattern, reason
		return d
	}

	if !c.ActiveAt(v.clock()) {
		return deny(RuleInactive, "", fmt.Sprintf("contract is %s", effectiveStatus(c, v.clock())))
	}
	party, ok := c.Party(agent)
	if !ok {
		return deny(RuleNotParty, "", fmt.Sprintf("%s is not a party", agent))
	}
	if !party.Signed {
		return deny(RuleNotSigned, "", fmt.Sprintf("%s has not signed", agent))
	}
	for _, p := range c.Prohibitions {
		if p.AppliesTo(agent) && MatchAction(p.Action, action) {
			return deny(RuleProhibited, p.Action, fmt.Sprintf("action %q is prohibited by %q", action, p.Action))
		}
	}
	for _, grant := range c.Capabilities {
		if grant.AppliesTo(agent) && MatchAction(grant.Action, action) {
			d.Allowed = true
			d.Pattern = grant.Action
			d.Reason = fmt.Sprintf("granted by %q", grant.Action)
			return d
		}
	}
	return deny(RuleNoCapability, "", fmt.Sprintf("no capability covers %q", action))
}

// VerifyID looks up the contract and verifies against it.
func (v *Verifier) VerifyID(contractID, agent, action string) (Decision, error) {
	c, err := v.registry.Get(contractID)
	if err != nil {
		return Decision{}, err
	}
	return v.Verify(c, agent, action), nil
}

// VerifyMessage checks msg against every active contract binding sender and
// receiver, or only msg.ContractID when set. With no such contract the
// message is denied. Any prohibiting contract denies; otherwise one granting
// contract allows.
func (v *Verifier) VerifyMessage(msg interfaces.Message) MessageVerdict {
	var covering []Contract
	if msg.ContractID != "" {
		c, err := v.registry.Get(msg.ContractID)
		if err == nil && c.HasParties(msg.Sender, msg.Receiver) && c.ActiveAt(v.clock()) {
			covering = append(covering, c)
		}
	} else {
		covering = v.registry.FindContracts(msg.Sender, msg.Receiver, true)
	}
	if len(covering) == 0 {
		return MessageVerdict{Reason: fmt.Sprintf("no active contract between %s and %s", msg.Sender, msg.Receiver)}
	}

	verdict := MessageVerdict{Decisions: make([]Decision, 0, len(covering))}
	var granted *Decision
	for _, c := range covering {
		d := v.Verify(c, msg.Sender, msg.Action)
		verdict.Decisions = append(verdict.Decisions, d)
		if d.Rule == RuleProhibited {
			verdict.Reason = d.Reason
			return verdict
		}
		if d.Allowed && granted == nil {
			granted = &verdict.Decisions[len(verdict.Decisions)-1]
		}
	}
	if granted == nil {
		verdict.Reason = fmt.Sprintf("no covering contract grants %q", msg.Action)
		return verdict
	}
	verdict.Allowed = true
	verdict.Reason = fmt.Sprintf("contract %s: %s", granted.ContractID, granted.Reason)
	return verdict
}

// VerifySignatures checks every recorded party signature over the content
// hash against the public keys in reg. Parties that signed without a key
// are skipped.
func (v *Verifier) VerifySignatures(c Contract, reg *identity.Registry) error {
	want, err := c.ComputeHash()
	if err != nil {
		return err
	}
	if want != c.ContentHash {
		return fmt.Errorf("%w: contract %s", ErrTampered, c.ID)
	}
	var errs []error
	for _, p := range c.Parties {
		if p.Signature == "" {
			continue
		}
		id, ok := reg.Get(p.Agent)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", identity.ErrUnknownAgent, p.Agent))
			continue
		}
		valid, err := identity.VerifyHex(id.PublicKeyHex(), p.Signature, []byte(c.ContentHash))
		if err != nil || !valid {
			errs = append(errs, fmt.Errorf("%w: party %s on %s", identity.ErrInvalidSignature, p.Agent, c.ID))
		}
	}
	return errors.Join(errs...)
}

func effectiveStatus(c Contract, now time.Time) Status {
	if c.Status == StatusActive && !c.ActiveAt(now) {
		return StatusExpired
	}
	return c.Status
}
