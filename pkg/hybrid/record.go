package hybrid

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/accord/pkg/anchor"
	"github.com/Mindburn-Labs/accord/pkg/contract"
	"github.com/Mindburn-Labs/accord/pkg/escalation"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
	"github.com/Mindburn-Labs/accord/pkg/observability"
)

// Check names.
const (
	CheckChain       = "chain"
	CheckSignature   = "signature"
	CheckPolicy      = "policy"
	CheckTrust       = "trust"
	CheckContract    = "contract"
	CheckObligations = "obligations"
	CheckAnchor      = "anchor"
)

// Check is the outcome of one verification step.
type Check struct {
	Name     string              `json:"name"`
	Passed   bool                `json:"passed"`
	Skipped  bool                `json:"skipped,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Severity interfaces.Severity `json:"severity,omitempty"`

	// Rule is the contract rule behind a contract or obligation failure.
	Rule string `json:"rule,omitempty"`

	// agentFault marks failures that count against the agent's reputation.
	agentFault bool
	// repeat marks failures already penalised and alerted on earlier.
	repeat bool
}

func pass(reason string) Check { return Check{Passed: true, Reason: reason} }

func fail(sev interfaces.Severity, reason string) Check {
	return Check{Severity: sev, Reason: reason}
}

// Result is the composite verdict for one recorded event.
type Result struct {
	Event      eventstore.Event       `json:"event"`
	Level      Level                  `json:"level,omitempty"`
	Verified   bool                   `json:"verified"`
	Checks     []Check                `json:"checks"`
	Anchor     *anchor.Anchor         `json:"anchor,omitempty"`
	Escalation *escalation.Escalation `json:"escalation,omitempty"`
}

// Failures returns the checks that did not pass.
func (r *Result) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Check returns the first check with the given name.
func (r *Result) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// MaxSeverity returns the highest severity among failed checks, or "".
func (r *Result) MaxSeverity() interfaces.Severity {
	var sev interfaces.Severity
	for _, c := range r.Checks {
		if !c.Passed {
			sev = interfaces.Max(sev, c.Severity)
		}
	}
	return sev
}

// RecordEvent appends rec and verifies it at level ("" selects the default
// level). The returned error is non-nil only when nothing was appended,
// for example because rec failed validation.
func (s *System) RecordEvent(ctx context.Context, rec eventstore.Record, level Level) (*Result, error) {
	return s.record(ctx, level, func() (eventstore.Event, error) { return s.store.AppendRecord(rec) })
}

// RecordSigned appends an event signed by signer and verifies it at level.
func (s *System) RecordSigned(ctx context.Context, signer *identity.Identity, action string, payload any, level Level) (*Result, error) {
	return s.record(ctx, level, func() (eventstore.Event, error) { return s.store.AppendSigned(signer, action, payload) })
}

func (s *System) record(ctx context.Context, level Level, appendFn func() (eventstore.Event, error)) (res *Result, err error) {
	if level == "" {
		level = s.defaultLevel
	}
	if _, err := ParseLevel(string(level)); err != nil {
		return nil, err
	}

	ctx, finish := s.telemetry.TrackOperation(ctx, "hybrid.record_event", observability.AttrLevel.String(string(level)))
	defer func() { finish(err) }()

	e, err := appendFn()
	if err != nil {
		return nil, err
	}
	observability.SpanFromContext(ctx).SetAttributes(observability.EventAttributes(e.Agent, e.Action, e.Sequence)...)
	s.telemetry.RecordEvent(ctx, string(level))

	res = &Result{Event: e, Level: level}
	res.Checks = append(res.Checks, s.guard(CheckChain, func() []Check { return one(s.checkChain(e)) })...)

	if level.atLeast(LevelStandard) {
		res.Checks = append(res.Checks, s.guard(CheckSignature, func() []Check { return one(s.checkSignature(e)) })...)
		res.Checks = append(res.Checks, s.guard(CheckPolicy, func() []Check { return s.checkPolicy(ctx, e) })...)
		res.Checks = append(res.Checks, s.guard(CheckTrust, func() []Check { return one(s.checkTrust(e.Agent)) })...)
		res.Checks = append(res.Checks, s.guard(CheckContract, func() []Check { return one(s.checkContracts(e)) })...)
		res.Checks = append(res.Checks, s.guard(CheckObligations, func() []Check { return one(s.checkObligations(e)) })...)
	}
	if level.atLeast(LevelFull) {
		res.Checks = append(res.Checks, s.guard(CheckAnchor, func() []Check {
			c, a := s.submitAnchor(e)
			res.Anchor = a
			return one(c)
		})...)
	}

	res.Verified = len(res.Failures()) == 0
	s.settle(ctx, res, level.atLeast(LevelStandard))
	return res, nil
}

func one(c Check) []Check { return []Check{c} }

// guard runs fn, converting a panic into a single failed check named name.
// Checks without a name inherit it.
func (s *System) guard(name string, fn func() []Check) (out []Check) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("verification check panicked", "check", name, "panic", r)
			out = []Check{{Name: name, Severity: interfaces.SeverityHigh, Reason: fmt.Sprintf("check panicked: %v", r)}}
		}
	}()
	out = fn()
	for i := range out {
		if out[i].Name == "" {
			out[i].Name = name
		}
	}
	return out
}

func (s *System) checkChain(e eventstore.Event) Check {
	prev := eventstore.GenesisHash
	if e.Sequence > 1 {
		p, err := s.store.Get(e.Sequence - 1)
		if err != nil {
			return fail(interfaces.SeverityCritical, err.Error())
		}
		prev = p.Hash
	}
	if err := eventstore.VerifySegment([]eventstore.Event{e}, prev, e.Sequence); err != nil {
		return fail(interfaces.SeverityCritical, err.Error())
	}
	return pass("linked to previous event")
}

func (s *System) checkSignature(e eventstore.Event) Check {
	if !e.Signed() {
		if s.requireSignatures {
			c := fail(interfaces.SeverityHigh, "event is unsigned")
			c.agentFault = true
			return c
		}
		return Check{Passed: true, Skipped: true, Reason: "unsigned"}
	}
	if err := eventstore.VerifyEventSignature(e, s.identities); err != nil {
		c := fail(interfaces.SeverityCritical, err.Error())
		c.agentFault = true
		return c
	}
	return pass("signature valid")
}

func (s *System) checkPolicy(ctx context.Context, e eventstore.Event) []Check {
	report := s.monitor.Check(ctx, e)
	if len(report.Results) == 0 {
		return one(Check{Passed: true, Skipped: true, Reason: "no applicable verifiers"})
	}
	out := make([]Check, 0, len(report.Results))
	for _, r := range report.Results {
		out = append(out, Check{
			Name:       CheckPolicy + ":" + r.Verifier,
			Passed:     r.Passed,
			Reason:     r.Reason,
			Severity:   r.Severity,
			agentFault: !r.Passed,
		})
	}
	return out
}

func (s *System) checkTrust(agent string) Check {
	rep := s.reputation.Get(agent)
	if s.IsTrusted(agent) {
		return pass(fmt.Sprintf("reputation %.2f (%s)", rep.Score, rep.Level))
	}
	return fail(interfaces.SeverityMedium,
		fmt.Sprintf("reputation %.2f (%s) is below threshold %.2f", rep.Score, rep.Level, s.trustThreshold))
}

// checkContracts verifies the action against every active contract the
// agent is party to. Any prohibition denies; otherwise one grant allows.
func (s *System) checkContracts(e eventstore.Event) Check {
	bound := s.contracts.FindContracts(e.Agent, e.Agent, true)
	if len(bound) == 0 {
		if s.strictContracts {
			c := fail(interfaces.SeverityMedium, fmt.Sprintf("no active contract binds %s", e.Agent))
			c.Rule, c.agentFault = contract.RuleNoContract, true
			return c
		}
		return Check{Passed: true, Skipped: true, Reason: "agent is bound by no active contract"}
	}

	var granted, denied *contract.Decision
	for _, c := range bound {
		d := s.verifier.Verify(c, e.Agent, e.Action)
		switch {
		case d.Rule == contract.RuleProhibited:
			v := d.Violation(e.Timestamp)
			return Check{Severity: v.Severity, Reason: v.Error(), Rule: d.Rule, agentFault: true}
		case d.Allowed && granted == nil:
			granted = &d
		case !d.Allowed && denied == nil:
			denied = &d
		}
	}
	if granted != nil {
		return pass(fmt.Sprintf("contract %s: %s", granted.ContractID, granted.Reason))
	}
	v := denied.Violation(e.Timestamp)
	return Check{Severity: v.Severity, Reason: v.Error(), Rule: denied.Rule, agentFault: true}
}

// checkObligations fulfils and starts obligation clocks for the action, then
// reports the agent's overdue obligations.
func (s *System) checkObligations(e eventstore.Event) Check {
	bound := s.contracts.FindContracts(e.Agent, e.Agent, true)
	if len(bound) == 0 {
		return Check{Passed: true, Skipped: true, Reason: "no obligations"}
	}

	now := s.clock().UTC()
	var overdue []*contract.Violation
	var notes []string
	for _, c := range bound {
		if p, ok := s.verifier.FulfillObligation(c.ID, e.Agent, e.Action); ok {
			notes = append(notes, "fulfilled "+p.ObligationID)
		}
		if started, err := s.verifier.TrackObligation(c.ID, e.Action); err == nil {
			for _, p := range started {
				notes = append(notes, fmt.Sprintf("started %s for %s", p.ObligationID, p.Agent))
			}
		}
		vs, err := s.verifier.CheckPendingObligations(c.ID, now)
		if err != nil {
			continue
		}
		for _, v := range vs {
			if v.Agent == e.Agent {
				overdue = append(overdue, v)
			}
		}
	}
	if len(overdue) == 0 {
		return pass(strings.Join(notes, "; "))
	}

	c := Check{Rule: contract.RuleObligationOverdue, agentFault: true, repeat: true}
	details := make([]string, 0, len(overdue))
	for _, v := range overdue {
		c.Severity = interfaces.Max(c.Severity, v.Severity)
		details = append(details, v.Detail)
		if s.markReported(v) {
			c.repeat = false
		}
	}
	c.Reason = fmt.Sprintf("%d overdue obligation(s): %s", len(overdue), strings.Join(details, "; "))
	return c
}

// markReported records v and reports whether it was new.
func (s *System) markReported(v *contract.Violation) bool {
	key := v.ContractID + "|" + v.Detail
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reported[key] {
		return false
	}
	s.reported[key] = true
	return true
}

func (s *System) submitAnchor(e eventstore.Event) (Check, *anchor.Anchor) {
	a, err := s.anchors.Add(e)
	if err != nil {
		return fail(interfaces.SeverityLow, err.Error()), nil
	}
	if a == nil {
		return pass(fmt.Sprintf("queued, %d pending", s.anchors.Pending())), nil
	}
	return pass(fmt.Sprintf("anchored in %s (%s)", a.ID, a.Status)), a
}

// settle applies the consequences of a verdict: reputation, alerts,
// escalation, metrics and counters.
func (s *System) settle(ctx context.Context, res *Result, judged bool) {
	e := res.Event
	var faults []Check
	var escalate interfaces.Severity
	for _, c := range res.Checks {
		s.telemetry.RecordCheck(ctx, c.Name, c.Passed)
		if c.Passed || c.repeat {
			continue
		}
		if c.agentFault {
			faults = append(faults, c)
		}
		escalate = interfaces.Max(escalate, c.Severity)
		s.telemetry.RecordViolation(ctx, c.Name, string(c.Severity))
		s.raise(interfaces.Alert{
			Source:   c.Name,
			Agent:    e.Agent,
			Rule:     c.Rule,
			Detail:   c.Reason,
			Severity: c.Severity,
			At:       e.Timestamp,
		})
	}

	if judged {
		if len(faults) == 0 && res.Verified {
			s.reputation.RecordCompliance(e.Agent, e.Action)
		}
		if len(faults) > 0 {
			worst := faults[0]
			for _, f := range faults[1:] {
				if f.Severity.Rank() > worst.Severity.Rank() {
					worst = f
				}
			}
			s.reputation.RecordViolation(e.Agent, fmt.Sprintf("%s: %s", worst.Name, worst.Reason), worst.Severity)
		}
	}

	if escalate != "" && escalate.AtLeast(s.escalateAt) {
		res.Escalation = s.open(ctx, escalation.Request{
			Severity:          escalate,
			Reason:            summarize(res.Failures()),
			RecommendedAction: recommend(res.Failures()),
			Source:            "hybrid.record_event",
			Agent:             e.Agent,
			Sequence:          e.Sequence,
		})
	}

	s.mu.Lock()
	s.counts.recorded[res.Level]++
	if res.Verified {
		s.counts.verified++
	} else {
		s.counts.failed++
	}
	s.mu.Unlock()

	if !res.Verified {
		s.logger.Warn("event failed verification",
			"sequence", e.Sequence, "agent", e.Agent, "action", e.Action,
			"failures", len(res.Failures()), "severity", res.MaxSeverity())
	}
}

func (s *System) raise(a interfaces.Alert) {
	if s.alert != nil {
		s.alert(a)
	}
}

func (s *System) open(ctx context.Context, req escalation.Request) *escalation.Escalation {
	esc, err := s.escalations.Create(ctx, req)
	if err != nil {
		s.logger.Error("escalation not opened", "agent", req.Agent, "severity", req.Severity, "error", err)
		return nil
	}
	s.telemetry.RecordEscalation(ctx, string(esc.Severity))
	return &esc
}

func summarize(failures []Check) string {
	parts := make([]string, 0, len(failures))
	for _, c := range failures {
		parts = append(parts, c.Name+": "+c.Reason)
	}
	return strings.Join(parts, "; ")
}

// recommend picks an action for the most severe failure.
func recommend(failures []Check) string {
	var worst Check
	for _, c := range failures {
		if worst.Name == "" || c.Severity.Rank() > worst.Severity.Rank() {
			worst = c
		}
	}
	switch {
	case worst.Name == CheckChain:
		return "halt appends and audit the event journal"
	case worst.Name == CheckSignature:
		return "revoke the agent key and re-verify its recent events"
	case worst.Rule == contract.RuleProhibited:
		return "suspend the agent's capabilities under the contract"
	case worst.Rule == contract.RuleObligationOverdue:
		return "notify the counterparty and review the contract"
	case strings.HasPrefix(worst.Name, CheckPolicy):
		return "review the agent's actions against policy " + strings.TrimPrefix(worst.Name, CheckPolicy+":")
	default:
		return ""
	}
}

// VerifyEvent re-verifies a recorded event: its chain link, its signature
// and, once anchored, its Merkle inclusion proof.
func (s *System) VerifyEvent(ctx context.Context, seq uint64) (res *Result, err error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "hybrid.verify_event")
	defer func() { finish(err) }()

	e, err := s.store.Get(seq)
	if err != nil {
		return nil, err
	}
	res = &Result{Event: e}
	res.Checks = append(res.Checks, s.guard(CheckChain, func() []Check { return one(s.checkChain(e)) })...)
	res.Checks = append(res.Checks, s.guard(CheckSignature, func() []Check { return one(s.checkSignature(e)) })...)
	res.Checks = append(res.Checks, s.guard(CheckAnchor, func() []Check {
		a, proof, err := s.anchors.ProveEvent(seq)
		if errors.Is(err, anchor.ErrNotAnchored) {
			return one(Check{Passed: true, Skipped: true, Reason: "not anchored yet"})
		}
		if err != nil {
			return one(fail(interfaces.SeverityHigh, err.Error()))
		}
		res.Anchor = &a
		if err := anchor.VerifyEvent(e, a, proof); err != nil {
			return one(fail(interfaces.SeverityCritical, err.Error()))
		}
		return one(pass(fmt.Sprintf("included under root %s (%s)", a.Root, a.Status)))
	})...)

	res.Verified = len(res.Failures()) == 0
	for _, c := range res.Checks {
		s.telemetry.RecordCheck(ctx, c.Name, c.Passed)
	}
	if !res.Verified {
		s.logger.Error("recorded event failed re-verification", "sequence", seq, "severity", res.MaxSeverity())
	}
	return res, nil
}
