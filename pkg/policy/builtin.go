package policy

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/accord/pkg/contract"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// ActionDenylist fails any event whose action matches a denied pattern.
type ActionDenylist struct {
	Denied   []string
	Severity interfaces.Severity
}

func (d ActionDenylist) Name() string { return "action_denylist" }

func (d ActionDenylist) AppliesTo(string) bool { return true }

func (d ActionDenylist) Check(_ context.Context, e eventstore.Event) Result {
	for _, p := range d.Denied {
		if contract.MatchAction(p, e.Action) {
			return Fail(orDefault(d.Severity, interfaces.SeverityHigh), "action %q is denied by %q", e.Action, p)
		}
	}
	return Pass("")
}

// PayloadSizeLimit fails events whose canonical payload exceeds MaxBytes.
type PayloadSizeLimit struct {
	Scope
	MaxBytes int
}

func (p PayloadSizeLimit) Name() string { return "payload_size" }

func (p PayloadSizeLimit) Check(_ context.Context, e eventstore.Event) Result {
	if n := len(e.Payload); n > p.MaxBytes {
		return Fail(interfaces.SeverityMedium, "payload is %d bytes, limit %d", n, p.MaxBytes)
	}
	return Pass("")
}

// SignedActions requires a valid agent signature on events in scope.
type SignedActions struct {
	Scope
	Registry *identity.Registry
}

func (s SignedActions) Name() string { return "signed_actions" }

func (s SignedActions) Check(_ context.Context, e eventstore.Event) Result {
	if !e.Signed() {
		return Fail(interfaces.SeverityHigh, "action %q requires a signature", e.Action)
	}
	if err := eventstore.VerifyEventSignature(e, s.Registry); err != nil {
		return Fail(interfaces.SeverityCritical, "signature rejected: %v", err)
	}
	return Pass("signature valid")
}

// AgentRateLimit bounds how often each agent may act, measured on event
// timestamps so replays are judged the way they were recorded.
type AgentRateLimit struct {
	Scope
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAgentRateLimit allows perSecond events per agent with the given burst.
func NewAgentRateLimit(perSecond float64, burst int, scope ...string) *AgentRateLimit {
	return &AgentRateLimit{
		Scope:    scope,
		limit:    rate.Limit(perSecond),
		burst:    max(burst, 1),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (a *AgentRateLimit) Name() string { return "agent_rate_limit" }

func (a *AgentRateLimit) Check(_ context.Context, e eventstore.Event) Result {
	a.mu.Lock()
	l, ok := a.limiters[e.Agent]
	if !ok {
		l = rate.NewLimiter(a.limit, a.burst)
		a.limiters[e.Agent] = l
	}
	a.mu.Unlock()

	if !l.AllowN(e.Timestamp, 1) {
		return Fail(interfaces.SeverityLow, "agent %s exceeded %v events/s (burst %d)", e.Agent, float64(a.limit), a.burst)
	}
	return Pass("")
}

func orDefault(s, def interfaces.Severity) interfaces.Severity {
	if s.Valid() {
		return s
	}
	return def
}
