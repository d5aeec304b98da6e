// Package contract implements multi-party agent contracts: a registry that
// drives each contract from draft to active as parties sign, and a verifier
// that checks proposed actions and tracks obligation deadlines.
package contract

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// SchemaVersion is written into every persisted record.
const SchemaVersion = "1.0.0"

var (
	ErrNotFound        = errors.New("contract: not found")
	ErrNotParty        = errors.New("contract: agent is not a party")
	ErrInvalidState    = errors.New("contract: invalid state transition")
	ErrInvalidContract = errors.New("contract: invalid terms")
	ErrTampered        = errors.New("contract: stored record failed verification")
)

// Status is the lifecycle state of a contract.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusSignedPartial Status = "signed-partial"
	StatusActive        Status = "active"
	StatusExpired       Status = "expired"
	StatusTerminated    Status = "terminated"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusTerminated
}

// Party is one signatory.
type Party struct {
	Agent     string    `json:"agent"`
	Role      string    `json:"role"`
	Signed    bool      `json:"signed"`
	SignedAt  time.Time `json:"signed_at,omitzero"`
	Signature string    `json:"signature,omitempty"`
}

// Rule grants or forbids an action pattern. An empty Agent applies the rule
// to every party.
type Rule struct {
	Agent  string `json:"agent,omitempty"`
	Action string `json:"action"`
}

// AppliesTo reports whether the rule binds agent.
func (r Rule) AppliesTo(agent string) bool {
	return r.Agent == "" || r.Agent == agent
}

// Obligation is an action a party has promised to perform.
//
// Without a Trigger the obligation is pending from activation until the
// absolute Deadline. With a Trigger the clock starts when a matching action
// is tracked and runs for Within (or until Deadline if Within is empty).
type Obligation struct {
	ID          string              `json:"id"`
	Agent       string              `json:"agent"`
	Action      string              `json:"action"`
	Trigger     string              `json:"trigger,omitempty"`
	Within      string              `json:"within,omitempty"`
	Deadline    time.Time           `json:"deadline,omitzero"`
	Severity    interfaces.Severity `json:"severity,omitempty"`
	Description string              `json:"description,omitempty"`
}

func (o Obligation) window() time.Duration {
	d, _ := time.ParseDuration(o.Within)
	return d
}

// Terms are the inputs to Registry.Create.
type Terms struct {
	Title        string
	Parties      []Party
	Capabilities []Rule
	Prohibitions []Rule
	Obligations  []Obligation
	ExpiresAt    time.Time
}

// Contract is a registered agreement. Values returned by the registry are
// copies; mutate only through Registry methods.
type Contract struct {
	SchemaVersion     string       `json:"schema_version"`
	ID                string       `json:"id"`
	Title             string       `json:"title,omitempty"`
	Parties           []Party      `json:"parties"`
	Capabilities      []Rule       `json:"capabilities"`
	Prohibitions      []Rule       `json:"prohibitions"`
	Obligations       []Obligation `json:"obligations"`
	Status            Status       `json:"status"`
	CreatedAt         time.Time    `json:"created_at"`
	ActivatedAt       time.Time    `json:"activated_at,omitzero"`
	ExpiresAt         time.Time    `json:"expires_at,omitzero"`
	TerminatedAt      time.Time    `json:"terminated_at,omitzero"`
	TerminationReason string       `json:"termination_reason,omitempty"`
	ContentHash       string       `json:"content_hash"`
}

// Party returns the party entry for agent.
func (c *Contract) Party(agent string) (Party, bool) {
	for _, p := range c.Parties {
		if p.Agent == agent {
			return p, true
		}
	}
	return Party{}, false
}

// HasParties reports whether every listed agent is a party.
func (c *Contract) HasParties(agents ...string) bool {
	for _, a := range agents {
		if _, ok := c.Party(a); !ok {
			return false
		}
	}
	return true
}

// ActiveAt reports whether the contract is enforceable at now.
func (c *Contract) ActiveAt(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// Clone returns a deep copy.
func (c *Contract) Clone() Contract {
	out := *c
	out.Parties = slices.Clone(c.Parties)
	out.Capabilities = slices.Clone(c.Capabilities)
	out.Prohibitions = slices.Clone(c.Prohibitions)
	out.Obligations = slices.Clone(c.Obligations)
	return out
}

// hashedTerms is the signed, immutable part of a contract. Status and
// signatures change over the lifetime and are excluded.
type hashedTerms struct {
	SchemaVersion string       `json:"schema_version"`
	ID            string       `json:"id"`
	Title         string       `json:"title,omitempty"`
	Parties       []partyTerm  `json:"parties"`
	Capabilities  []Rule       `json:"capabilities"`
	Prohibitions  []Rule       `json:"prohibitions"`
	Obligations   []Obligation `json:"obligations"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at,omitzero"`
}

type partyTerm struct {
	Agent string `json:"agent"`
	Role  string `json:"role"`
}

// ComputeHash returns the SHA-256 of the canonical (JCS) form of the terms.
func (c *Contract) ComputeHash() (string, error) {
	parties := make([]partyTerm, len(c.Parties))
	for i, p := range c.Parties {
		parties[i] = partyTerm{Agent: p.Agent, Role: p.Role}
	}
	return canonicalize.CanonicalHash(hashedTerms{
		SchemaVersion: c.SchemaVersion,
		ID:            c.ID,
		Title:         c.Title,
		Parties:       parties,
		Capabilities:  nonNil(c.Capabilities),
		Prohibitions:  nonNil(c.Prohibitions),
		Obligations:   nonNil(c.Obligations),
		CreatedAt:     c.CreatedAt,
		ExpiresAt:     c.ExpiresAt,
	})
}

// checkState reports lifecycle fields that contradict each other, such as
// an active contract with an unsigned party.
func (c *Contract) checkState() error {
	signed := 0
	for _, p := range c.Parties {
		switch {
		case p.Signed:
			signed++
		case p.Signature != "" || !p.SignedAt.IsZero():
			return fmt.Errorf("party %s has signature data but is not signed", p.Agent)
		}
	}
	all := signed == len(c.Parties)

	switch c.Status {
	case StatusDraft:
		if signed > 0 {
			return fmt.Errorf("draft with %d signed parties", signed)
		}
	case StatusSignedPartial:
		if signed == 0 || all {
			return fmt.Errorf("signed-partial with %d of %d parties signed", signed, len(c.Parties))
		}
	case StatusActive:
		if !all {
			return fmt.Errorf("active with %d of %d parties signed", signed, len(c.Parties))
		}
		if c.ActivatedAt.IsZero() {
			return errors.New("active without activated_at")
		}
	case StatusExpired:
		if c.ExpiresAt.IsZero() {
			return errors.New("expired without expires_at")
		}
	case StatusTerminated:
		if c.TerminatedAt.IsZero() {
			return errors.New("terminated without terminated_at")
		}
	default:
		return fmt.Errorf("unknown status %q", c.Status)
	}
	if !c.ActivatedAt.IsZero() && !all {
		return errors.New("activated_at set before every party signed")
	}
	if !c.TerminatedAt.IsZero() && c.Status != StatusTerminated {
		return fmt.Errorf("terminated_at set on %s contract", c.Status)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func validateTerms(t Terms) error {
	if len(t.Parties) == 0 {
		return fmt.Errorf("%w: at least one party required", ErrInvalidContract)
	}
	seen := make(map[string]bool, len(t.Parties))
	for _, p := range t.Parties {
		if strings.TrimSpace(p.Agent) == "" {
			return fmt.Errorf("%w: party agent required", ErrInvalidContract)
		}
		if seen[p.Agent] {
			return fmt.Errorf("%w: duplicate party %q", ErrInvalidContract, p.Agent)
		}
		seen[p.Agent] = true
	}

	checkRules := func(kind string, rules []Rule) error {
		for _, r := range rules {
			if err := validatePattern(r.Action); err != nil {
				return fmt.Errorf("%w: %s %q: %v", ErrInvalidContract, kind, r.Action, err)
			}
			if r.Agent != "" && !seen[r.Agent] {
				return fmt.Errorf("%w: %s names non-party %q", ErrInvalidContract, kind, r.Agent)
			}
		}
		return nil
	}
	if err := checkRules("capability", t.Capabilities); err != nil {
		return err
	}
	if err := checkRules("prohibition", t.Prohibitions); err != nil {
		return err
	}

	ids := make(map[string]bool, len(t.Obligations))
	for _, o := range t.Obligations {
		switch {
		case o.ID == "":
			return fmt.Errorf("%w: obligation id required", ErrInvalidContract)
		case ids[o.ID]:
			return fmt.Errorf("%w: duplicate obligation %q", ErrInvalidContract, o.ID)
		case !seen[o.Agent]:
			return fmt.Errorf("%w: obligation %q names non-party %q", ErrInvalidContract, o.ID, o.Agent)
		}
		ids[o.ID] = true
		if err := validatePattern(o.Action); err != nil {
			return fmt.Errorf("%w: obligation %q: %v", ErrInvalidContract, o.ID, err)
		}
		if o.Severity != "" && !o.Severity.Valid() {
			return fmt.Errorf("%w: obligation %q: unknown severity %q", ErrInvalidContract, o.ID, o.Severity)
		}
		if o.Trigger == "" {
			if o.Deadline.IsZero() {
				return fmt.Errorf("%w: obligation %q needs a deadline or a trigger", ErrInvalidContract, o.ID)
			}
			continue
		}
		if err := validatePattern(o.Trigger); err != nil {
			return fmt.Errorf("%w: obligation %q trigger: %v", ErrInvalidContract, o.ID, err)
		}
		if o.Within == "" && o.Deadline.IsZero() {
			return fmt.Errorf("%w: obligation %q needs within or deadline", ErrInvalidContract, o.ID)
		}
		if o.Within != "" {
			if d, err := time.ParseDuration(o.Within); err != nil || d <= 0 {
				return fmt.Errorf("%w: obligation %q: bad window %q", ErrInvalidContract, o.ID, o.Within)
			}
		}
	}
	return nil
}

// MatchAction reports whether action matches a dot separated pattern.
// "*" matches exactly one segment and "**" matches zero or more.
func MatchAction(pattern, action string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(action, "."))
}

func matchSegments(pattern, target []string) bool {
	for len(pattern) > 0 && len(target) > 0 {
		switch p := pattern[0]; p {
		case "**":
			if matchSegments(pattern[1:], target) {
				return true
			}
			target = target[1:]
		case "*":
			pattern, target = pattern[1:], target[1:]
		default:
			if p != target[0] {
				return false
			}
			pattern, target = pattern[1:], target[1:]
		}
	}
	for len(pattern) > 0 && pattern[0] == "**" {
		pattern = pattern[1:]
	}
	return len(pattern) == 0 && len(target) == 0
}

func validatePattern(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("empty pattern")
	}
	for _, seg := range strings.Split(p, ".") {
		if seg == "" {
			return errors.New("empty segment")
		}
		if strings.Contains(seg, "*") && seg != "*" && seg != "**" {
			return fmt.Errorf("wildcard must fill a whole segment: %q", seg)
		}
	}
	return nil
}
