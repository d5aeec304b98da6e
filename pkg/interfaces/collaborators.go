package interfaces

import (
	"context"
	"encoding/json"
	"time"
)

// Message is an agent-to-agent message submitted for verification before
// it is handed to a Router.
type Message struct {
	ID         string          `json:"id"`
	Sender     string          `json:"sender"`
	Receiver   string          `json:"receiver"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Signature  string          `json:"signature,omitempty"`
	ContractID string          `json:"contract_id,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

// DeliveryResult is what a Router reports after attempting delivery.
type DeliveryResult struct {
	Delivered bool   `json:"delivered"`
	Detail    string `json:"detail,omitempty"`
}

// Router delivers verified messages. Implementations live outside the core.
type Router interface {
	Deliver(ctx context.Context, msg Message) (DeliveryResult, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, msg Message) (DeliveryResult, error)

// Deliver calls f.
func (f RouterFunc) Deliver(ctx context.Context, msg Message) (DeliveryResult, error) {
	return f(ctx, msg)
}

// Proposal is a governance proposal put to a vote.
type Proposal struct {
	ID       string          `json:"id"`
	Proposer string          `json:"proposer"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Vote is one agent's ballot on a Proposal.
type Vote struct {
	Agent   string  `json:"agent"`
	Approve bool    `json:"approve"`
	Weight  float64 `json:"weight"`
	Reason  string  `json:"reason,omitempty"`
}

// Decision is the outcome a GovernancePolicy reaches.
type Decision struct {
	ProposalID string  `json:"proposal_id"`
	Approved   bool    `json:"approved"`
	For        float64 `json:"for"`
	Against    float64 `json:"against"`
	Reason     string  `json:"reason,omitempty"`
}

// GovernancePolicy decides proposals from a set of votes. Voting schemes
// (democracy, meritocracy, federation, ...) implement it elsewhere.
type GovernancePolicy interface {
	Evaluate(ctx context.Context, proposal Proposal, votes []Vote) (Decision, error)
}

// GovernancePolicyFunc adapts a function to GovernancePolicy.
type GovernancePolicyFunc func(ctx context.Context, proposal Proposal, votes []Vote) (Decision, error)

// Evaluate calls f.
func (f GovernancePolicyFunc) Evaluate(ctx context.Context, proposal Proposal, votes []Vote) (Decision, error) {
	return f(ctx, proposal, votes)
}

// Alert describes a violation raised by the verification pipeline.
type Alert struct {
	Source   string    `json:"source"`
	Agent    string    `json:"agent"`
	Rule     string    `json:"rule"`
	Detail   string    `json:"detail"`
	Severity Severity  `json:"severity"`
	At       time.Time `json:"at"`
}

// AlertFunc receives violation alerts. It must not block.
type AlertFunc func(Alert)
