package contract

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// PendingObligation is one running obligation clock.
type PendingObligation struct {
	ID           string              `json:"id"`
	ContractID   string              `json:"contract_id"`
	ObligationID string              `json:"obligation_id"`
	Agent        string              `json:"agent"`
	Action       string              `json:"action"`
	Severity     interfaces.Severity `json:"severity"`
	StartedAt    time.Time           `json:"started_at"`
	Deadline     time.Time           `json:"deadline"`
	Fulfilled    bool                `json:"fulfilled"`
	FulfilledAt  time.Time           `json:"fulfilled_at,omitzero"`
	Late         bool                `json:"late,omitempty"`
}

// Overdue reports whether the deadline has passed without fulfilment.
func (p PendingObligation) Overdue(now time.Time) bool {
	return !p.Fulfilled && now.After(p.Deadline)
}

// seedLocked starts the clocks of untriggered obligations once the
// contract is active. Caller holds v.mu.
func (v *Verifier) seedLocked(c Contract) {
	if v.seeded[c.ID] || c.Status != StatusActive {
		return
	}
	v.seeded[c.ID] = true
	for _, o := range c.Obligations {
		if o.Trigger != "" {
			continue
		}
		v.pending[c.ID] = append(v.pending[c.ID], newPending(c, o, c.ActivatedAt, o.Deadline))
	}
}

func newPending(c Contract, o Obligation, start, deadline time.Time) *PendingObligation {
	sev := o.Severity
	if sev == "" {
		sev = interfaces.SeverityMedium
	}
	return &PendingObligation{
		ID:           uuid.NewString(),
		ContractID:   c.ID,
		ObligationID: o.ID,
		Agent:        o.Agent,
		Action:       o.Action,
		Severity:     sev,
		StartedAt:    start,
		Deadline:     deadline,
	}
}

// TrackObligation starts the clock of every obligation in the contract whose
// trigger matches action. An obligation already running is not restarted.
// It returns the clocks started by this call.
func (v *Verifier) TrackObligation(contractID, action string) ([]PendingObligation, error) {
	c, err := v.registry.Get(contractID)
	if err != nil {
		return nil, err
	}
	now := v.clock().UTC()
	if !c.ActiveAt(now) {
		return nil, fmt.Errorf("%w: contract %s is %s", ErrInvalidState, c.ID, effectiveStatus(c, now))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.seedLocked(c)

	var started []PendingObligation
	for _, o := range c.Obligations {
		if o.Trigger == "" || !MatchAction(o.Trigger, action) {
			continue
		}
		running := slices.ContainsFunc(v.pending[c.ID], func(p *PendingObligation) bool {
			return p.ObligationID == o.ID && !p.Fulfilled
		})
		if running {
			continue
		}
		deadline := o.Deadline
		if w := o.window(); w > 0 {
			deadline = now.Add(w)
		}
		p := newPending(c, o, now, deadline)
		v.pending[c.ID] = append(v.pending[c.ID], p)
		started = append(started, *p)
		v.logger.Debug("obligation started", "contract_id", c.ID, "obligation", o.ID, "deadline", deadline)
	}
	return started, nil
}

// FulfillObligation marks the earliest-due open obligation of agent that
// action satisfies as fulfilled. It reports false when nothing matched.
func (v *Verifier) FulfillObligation(contractID, agent, action string) (PendingObligation, bool) {
	c, err := v.registry.Get(contractID)
	if err != nil {
		return PendingObligation{}, false
	}
	now := v.clock().UTC()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.seedLocked(c)

	var match *PendingObligation
	for _, p := range v.pending[c.ID] {
		if p.Fulfilled || p.Agent != agent || !MatchAction(p.Action, action) {
			continue
		}
		if match == nil || p.Deadline.Before(match.Deadline) {
			match = p
		}
	}
	if match == nil {
		return PendingObligation{}, false
	}
	match.Fulfilled = true
	match.FulfilledAt = now
	match.Late = now.After(match.Deadline)
	return *match, true
}

// CheckPendingObligations returns one violation for each obligation that is
// past its deadline and still unfulfilled at now. Every call reports the
// full set again. Contracts that are no longer active report nothing.
func (v *Verifier) CheckPendingObligations(contractID string, now time.Time) ([]*Violation, error) {
	c, err := v.registry.Get(contractID)
	if err != nil {
		return nil, err
	}
	if !c.ActiveAt(now) {
		return nil, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.seedLocked(c)

	var out []*Violation
	for _, p := range v.pending[c.ID] {
		if !p.Overdue(now) {
			continue
		}
		out = append(out, &Violation{
			ContractID: c.ID,
			Agent:      p.Agent,
			Rule:       RuleObligationOverdue,
			Detail:     fmt.Sprintf("obligation %s (%s) was due %s", p.ObligationID, p.Action, p.Deadline.Format(time.RFC3339)),
			Severity:   p.Severity,
			At:         now,
		})
	}
	if len(out) > 0 {
		v.logger.Warn("overdue obligations", "contract_id", c.ID, "count", len(out))
	}
	return out, nil
}

// PendingObligations returns the obligation clocks of a contract, fulfilled ones included.
func (v *Verifier) PendingObligations(contractID string) []PendingObligation {
	c, err := v.registry.Get(contractID)
	if err != nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seedLocked(c)

	out := make([]PendingObligation, len(v.pending[c.ID]))
	for i, p := range v.pending[c.ID] {
		out[i] = *p
	}
	return out
}
