package escalation

import (
	"time"

	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// Route says who reviews an escalation of a given severity and how long they
// have before it is raised.
type Route struct {
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	Assignee string        `yaml:"assignee" json:"assignee"`
	Action   string        `yaml:"action" json:"action"`
}

// Policy maps severities to routes.
type Policy map[interfaces.Severity]Route

// DefaultPolicy gives more severe escalations shorter review windows.
func DefaultPolicy() Policy {
	return Policy{
		interfaces.SeverityLow: {
			Timeout:  24 * time.Hour,
			Assignee: "review-queue",
			Action:   "review at next triage",
		},
		interfaces.SeverityMedium: {
			Timeout:  4 * time.Hour,
			Assignee: "on-call",
			Action:   "investigate agent behaviour",
		},
		interfaces.SeverityHigh: {
			Timeout:  time.Hour,
			Assignee: "incident-commander",
			Action:   "restrict agent capabilities",
		},
		interfaces.SeverityCritical: {
			Timeout:  15 * time.Minute,
			Assignee: "security-lead",
			Action:   "suspend agent and revoke delegations",
		},
	}
}

// Route returns the route for s, falling back to the default policy for
// severities the policy does not name.
func (p Policy) Route(s interfaces.Severity) Route {
	r, ok := p[s]
	if !ok {
		r = DefaultPolicy()[s]
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultPolicy()[s].Timeout
	}
	return r
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// WallClock schedules on real time.
type WallClock struct{}

func (WallClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
