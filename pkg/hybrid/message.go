package hybrid

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/Mindburn-Labs/accord/pkg/contract"
	"github.com/Mindburn-Labs/accord/pkg/escalation"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
	"github.com/Mindburn-Labs/accord/pkg/observability"
)

// MessageResult is the verdict on one inter-agent message.
type MessageResult struct {
	Message       interfaces.Message         `json:"message"`
	Allowed       bool                       `json:"allowed"`
	Reason        string                     `json:"reason"`
	Checks        []Check                    `json:"checks"`
	Verdict       contract.MessageVerdict    `json:"verdict"`
	Event         eventstore.Event           `json:"event"`
	Delivery      *interfaces.DeliveryResult `json:"delivery,omitempty"`
	DeliveryError string                     `json:"delivery_error,omitempty"`
	Escalation    *escalation.Escalation     `json:"escalation,omitempty"`
}

// VerifyMessage checks msg against the sender's signature, the contracts
// binding sender and receiver, and the sender's reputation. Without a
// covering contract the message is denied. The verdict is recorded in the
// chain under the sender; an allowed message is then handed to the Router.
func (s *System) VerifyMessage(ctx context.Context, msg interfaces.Message) (res *MessageResult, err error) {
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	ctx, finish := s.telemetry.TrackOperation(ctx, "hybrid.verify_message",
		observability.MessageAttributes(msg.Sender, msg.Receiver, msg.Action, msg.ContractID)...)
	defer func() { finish(err) }()

	res = &MessageResult{Message: msg}
	res.Checks = append(res.Checks, s.guard(CheckSignature, func() []Check { return one(s.checkMessageSignature(msg)) })...)
	res.Checks = append(res.Checks, s.guard(CheckContract, func() []Check {
		res.Verdict = s.verifier.VerifyMessage(msg)
		if res.Verdict.Allowed {
			return one(pass(res.Verdict.Reason))
		}
		v := res.Verdict.Violation(msg, s.clock().UTC())
		return one(Check{Severity: v.Severity, Reason: v.Error(), Rule: v.Rule, agentFault: true})
	})...)
	res.Checks = append(res.Checks, s.guard(CheckTrust, func() []Check { return one(s.checkTrust(msg.Sender)) })...)

	failures := (&Result{Checks: res.Checks}).Failures()
	res.Allowed = len(failures) == 0
	if res.Allowed {
		res.Reason = res.Verdict.Reason
	} else {
		res.Reason = summarize(failures)
	}

	action := "message.send"
	if !res.Allowed {
		action = "message.denied"
	}
	res.Event, err = s.store.Append(msg.Sender, action, map[string]any{
		"message_id":  msg.ID,
		"receiver":    msg.Receiver,
		"action":      msg.Action,
		"contract_id": msg.ContractID,
		"allowed":     res.Allowed,
		"reason":      res.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("record message verdict: %w", err)
	}

	s.settleMessage(ctx, res)
	if res.Allowed {
		s.deliver(ctx, res)
	}
	return res, nil
}

func validateMessage(msg interfaces.Message) error {
	switch {
	case msg.Sender == "":
		return &eventstore.ValidationError{Field: "sender", Reason: "must not be empty"}
	case msg.Receiver == "":
		return &eventstore.ValidationError{Field: "receiver", Reason: "must not be empty"}
	case msg.Action == "":
		return &eventstore.ValidationError{Field: "action", Reason: "must not be empty"}
	}
	return nil
}

func (s *System) checkMessageSignature(msg interfaces.Message) Check {
	if msg.Signature == "" {
		if s.requireSignatures {
			c := fail(interfaces.SeverityHigh, "message is unsigned")
			c.agentFault = true
			return c
		}
		return Check{Passed: true, Skipped: true, Reason: "unsigned"}
	}
	bad := func(reason string) Check {
		c := fail(interfaces.SeverityCritical, reason)
		c.agentFault = true
		return c
	}
	sig, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return bad("signature is not hex")
	}
	signed, err := eventstore.SigningBytes(msg.Sender, msg.Action, msg.Payload)
	if err != nil {
		return bad(err.Error())
	}
	if err := s.identities.VerifySignature(msg.Sender, signed, sig); err != nil {
		return bad(err.Error())
	}
	return pass("signature valid")
}

func (s *System) settleMessage(ctx context.Context, res *MessageResult) {
	msg := res.Message
	now := s.clock().UTC()

	s.mu.Lock()
	s.counts.messages++
	if !res.Allowed {
		s.counts.denied++
	}
	s.mu.Unlock()

	if res.Allowed {
		for _, d := range res.Verdict.Decisions {
			if !d.Allowed {
				continue
			}
			s.verifier.FulfillObligation(d.ContractID, msg.Sender, msg.Action)
			if _, err := s.verifier.TrackObligation(d.ContractID, msg.Action); err != nil {
				s.logger.Debug("obligations not tracked", "contract_id", d.ContractID, "error", err)
			}
		}
		s.reputation.RecordCompliance(msg.Sender, msg.Action)
		return
	}

	var worst Check
	var escalate interfaces.Severity
	for _, c := range res.Checks {
		if c.Passed {
			continue
		}
		escalate = interfaces.Max(escalate, c.Severity)
		if c.agentFault && (worst.Name == "" || c.Severity.Rank() > worst.Severity.Rank()) {
			worst = c
		}
		s.telemetry.RecordViolation(ctx, c.Name, string(c.Severity))
		s.raise(interfaces.Alert{
			Source:   "message:" + c.Name,
			Agent:    msg.Sender,
			Rule:     c.Rule,
			Detail:   c.Reason,
			Severity: c.Severity,
			At:       now,
		})
	}
	if worst.Name != "" {
		s.reputation.RecordViolation(msg.Sender, worst.Name+": "+worst.Reason, worst.Severity)
	}
	if escalate.AtLeast(s.escalateAt) {
		res.Escalation = s.open(ctx, escalation.Request{
			Severity:          escalate,
			Reason:            res.Reason,
			RecommendedAction: recommend((&Result{Checks: res.Checks}).Failures()),
			Source:            "hybrid.verify_message",
			Agent:             msg.Sender,
			Sequence:          res.Event.Sequence,
		})
	}
	s.logger.Warn("message denied", "message_id", msg.ID, "sender", msg.Sender, "receiver", msg.Receiver, "action", msg.Action, "reason", res.Reason)
}

func (s *System) deliver(ctx context.Context, res *MessageResult) {
	if s.router == nil {
		return
	}
	d, err := s.router.Deliver(ctx, res.Message)
	if err != nil {
		res.DeliveryError = err.Error()
		s.logger.Warn("message delivery failed", "message_id", res.Message.ID, "error", err)
		return
	}
	res.Delivery = &d
}

// DecideProposal delegates to the governance policy and records the
// decision. A policy error rejects the proposal.
func (s *System) DecideProposal(ctx context.Context, proposal interfaces.Proposal, votes []interfaces.Vote) (interfaces.Decision, error) {
	if s.governance == nil {
		return interfaces.Decision{ProposalID: proposal.ID}, ErrNoGovernance
	}
	d, err := s.governance.Evaluate(ctx, proposal, votes)
	if err != nil {
		d = interfaces.Decision{ProposalID: proposal.ID, Reason: fmt.Sprintf("governance error: %v", err)}
	}
	if d.ProposalID == "" {
		d.ProposalID = proposal.ID
	}
	if _, auditErr := s.audit(ctx, SystemAgent, "governance.decision", map[string]any{
		"proposal_id": d.ProposalID,
		"proposer":    proposal.Proposer,
		"action":      proposal.Action,
		"approved":    d.Approved,
		"for":         d.For,
		"against":     d.Against,
		"votes":       len(votes),
		"reason":      d.Reason,
	}); auditErr != nil && err == nil {
		err = auditErr
	}
	return d, err
}

// CheckObligations sweeps every active contract for overdue obligations.
// Each newly overdue obligation penalises its agent, raises an alert and
// may open an escalation; every overdue obligation is returned on every call.
func (s *System) CheckObligations(ctx context.Context) []*contract.Violation {
	now := s.clock().UTC()
	var all []*contract.Violation
	for _, c := range s.contracts.List() {
		if !c.ActiveAt(now) {
			continue
		}
		vs, err := s.verifier.CheckPendingObligations(c.ID, now)
		if err != nil {
			continue
		}
		for _, v := range vs {
			all = append(all, v)
			if !s.markReported(v) {
				continue
			}
			s.reputation.RecordViolation(v.Agent, v.Error(), v.Severity)
			s.telemetry.RecordViolation(ctx, CheckObligations, string(v.Severity))
			s.raise(v.Alert())
			if v.Severity.AtLeast(s.escalateAt) {
				s.open(ctx, escalation.Request{
					Severity:          v.Severity,
					Reason:            v.Error(),
					RecommendedAction: "notify the counterparty and review the contract",
					Source:            "hybrid.check_obligations",
					Agent:             v.Agent,
				})
			}
		}
	}
	return all
}
