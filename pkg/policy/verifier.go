// Package policy provides pluggable pass/fail rule checks ("axioms") over
// recorded events, and the Monitor that runs them.
package policy

import (
	"context"
	"fmt"
	"slices"

	"github.com/Mindburn-Labs/accord/pkg/contract"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// Result is the outcome of one verifier on one event.
type Result struct {
	Passed   bool                `json:"passed"`
	Reason   string              `json:"reason,omitempty"`
	Severity interfaces.Severity `json:"severity,omitempty"`
}

// Pass returns a passing result.
func Pass(reason string) Result {
	return Result{Passed: true, Reason: reason}
}

// Fail returns a failing result.
func Fail(sev interfaces.Severity, format string, args ...any) Result {
	return Result{Severity: sev, Reason: fmt.Sprintf(format, args...)}
}

// Verifier is a single policy rule.
type Verifier interface {
	// Name identifies the verifier in reports and statistics. It must be unique
	// within a Monitor.
	Name() string
	// AppliesTo reports whether the verifier has an opinion on action.
	AppliesTo(action string) bool
	// Check evaluates the event. Implementations must not panic, but the
	// Monitor recovers if they do.
	Check(ctx context.Context, e eventstore.Event) Result
}

// Scope restricts a verifier to actions matching any of its dotted patterns.
// An empty Scope applies everywhere.
type Scope []string

// AppliesTo implements the Verifier method of the same name.
func (s Scope) AppliesTo(action string) bool {
	if len(s) == 0 {
		return true
	}
	return slices.ContainsFunc(s, func(p string) bool { return contract.MatchAction(p, action) })
}

// Func adapts a function to Verifier.
type Func struct {
	Scope
	ID string
	Fn func(ctx context.Context, e eventstore.Event) Result
}

// Name returns f.ID.
func (f Func) Name() string { return f.ID }

// Check calls f.Fn.
func (f Func) Check(ctx context.Context, e eventstore.Event) Result { return f.Fn(ctx, e) }
