package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

var (
	ErrDuplicateVerifier = errors.New("policy: verifier already registered")
	ErrUnnamedVerifier   = errors.New("policy: verifier name required")
)

// DefaultHistoryLimit bounds the retained violation history.
const DefaultHistoryLimit = 10_000

// Violation is a failed check retained in the Monitor history.
type Violation struct {
	Verifier string              `json:"verifier"`
	Sequence uint64              `json:"sequence"`
	Agent    string              `json:"agent"`
	Action   string              `json:"action"`
	Reason   string              `json:"reason"`
	Severity interfaces.Severity `json:"severity"`
	At       time.Time           `json:"at"`
}

// Alert converts the violation for an interfaces.AlertFunc.
func (v Violation) Alert() interfaces.Alert {
	return interfaces.Alert{
		Source:   "policy:" + v.Verifier,
		Agent:    v.Agent,
		Rule:     v.Verifier,
		Detail:   v.Reason,
		Severity: v.Severity,
		At:       v.At,
	}
}

// ViolationHandler is called synchronously for every violation.
type ViolationHandler func(Violation)

// CheckResult is one verifier's verdict inside a Report.
type CheckResult struct {
	Verifier string `json:"verifier"`
	Result
}

// Report is the combined verdict for one event.
type Report struct {
	Passed  bool          `json:"passed"`
	Results []CheckResult `json:"results"`
}

// Failures returns the failing results.
func (r Report) Failures() []CheckResult {
	var out []CheckResult
	for _, c := range r.Results {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// MaxSeverity returns the highest severity among failures, or "" if none failed.
func (r Report) MaxSeverity() interfaces.Severity {
	var sev interfaces.Severity
	for _, c := range r.Failures() {
		sev = interfaces.Max(sev, c.Severity)
	}
	return sev
}

// VerifierStats counts checks per verifier.
type VerifierStats struct {
	Checks   int `json:"checks"`
	Failures int `json:"failures"`
	Panics   int `json:"panics,omitempty"`
}

// Stats summarises Monitor activity.
type Stats struct {
	Events      int                      `json:"events"`
	Violations  int                      `json:"violations"`
	Verifiers   int                      `json:"verifiers"`
	PerVerifier map[string]VerifierStats `json:"per_verifier"`
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithHistoryLimit bounds the retained violation history.
func WithHistoryLimit(n int) MonitorOption {
	return func(m *Monitor) { m.historyLimit = n }
}

// WithMonitorClock overrides the clock.
func WithMonitorClock(clock func() time.Time) MonitorOption {
	return func(m *Monitor) { m.clock = clock }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// Monitor runs every applicable verifier against each event. An event
// complies only if all applicable verifiers pass.
type Monitor struct {
	mu        sync.RWMutex
	verifiers []Verifier
	handlers  []ViolationHandler

	statsMu      sync.Mutex
	history      []Violation
	historyLimit int
	events       int
	violations   int
	stats        map[string]*VerifierStats

	clock  func() time.Time
	logger *slog.Logger
}

// NewMonitor returns a monitor with the given verifiers registered.
func NewMonitor(verifiers []Verifier, opts ...MonitorOption) (*Monitor, error) {
	m := &Monitor{
		historyLimit: DefaultHistoryLimit,
		stats:        make(map[string]*VerifierStats),
		clock:        time.Now,
		logger:       slog.Default().With("component", "policy_monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, v := range verifiers {
		if err := m.Register(v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds a verifier at runtime.
func (m *Monitor) Register(v Verifier) error {
	name := v.Name()
	if name == "" {
		return ErrUnnamedVerifier
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.ContainsFunc(m.verifiers, func(x Verifier) bool { return x.Name() == name }) {
		return fmt.Errorf("%w: %s", ErrDuplicateVerifier, name)
	}
	m.verifiers = append(m.verifiers, v)
	m.logger.Debug("verifier registered", "verifier", name)
	return nil
}

// Unregister removes a verifier by name.
func (m *Monitor) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.verifiers, func(x Verifier) bool { return x.Name() == name })
	if i < 0 {
		return false
	}
	m.verifiers = slices.Delete(m.verifiers, i, i+1)
	return true
}

// Verifiers returns the registered verifier names in registration order.
func (m *Monitor) Verifiers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.verifiers))
	for i, v := range m.verifiers {
		names[i] = v.Name()
	}
	return names
}

// OnViolation registers a handler invoked for every violation.
func (m *Monitor) OnViolation(h ViolationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Check runs the applicable verifiers against e.
func (m *Monitor) Check(ctx context.Context, e eventstore.Event) Report {
	m.mu.RLock()
	applicable := make([]Verifier, 0, len(m.verifiers))
	for _, v := range m.verifiers {
		if v.AppliesTo(e.Action) {
			applicable = append(applicable, v)
		}
	}
	handlers := slices.Clone(m.handlers)
	m.mu.RUnlock()

	report := Report{Passed: true, Results: make([]CheckResult, 0, len(applicable))}
	var violations []Violation
	now := m.clock().UTC()

	for _, v := range applicable {
		res, panicked := runCheck(ctx, v, e)
		if !res.Passed && res.Severity == "" {
			res.Severity = interfaces.SeverityMedium
		}
		report.Results = append(report.Results, CheckResult{Verifier: v.Name(), Result: res})
		m.count(v.Name(), res.Passed, panicked)
		if res.Passed {
			continue
		}
		report.Passed = false
		violations = append(violations, Violation{
			Verifier: v.Name(),
			Sequence: e.Sequence,
			Agent:    e.Agent,
			Action:   e.Action,
			Reason:   res.Reason,
			Severity: res.Severity,
			At:       now,
		})
	}

	m.record(violations)
	for _, viol := range violations {
		m.logger.Warn("policy violation", "verifier", viol.Verifier, "agent", viol.Agent, "action", viol.Action, "sequence", viol.Sequence, "severity", viol.Severity, "reason", viol.Reason)
		for _, h := range handlers {
			h(viol)
		}
	}
	return report
}

func runCheck(ctx context.Context, v Verifier, e eventstore.Event) (res Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail(interfaces.SeverityHigh, "verifier panicked: %v", r)
			panicked = true
		}
	}()
	return v.Check(ctx, e.Clone()), false
}

func (m *Monitor) count(name string, passed, panicked bool) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	s, ok := m.stats[name]
	if !ok {
		s = &VerifierStats{}
		m.stats[name] = s
	}
	s.Checks++
	if !passed {
		s.Failures++
	}
	if panicked {
		s.Panics++
	}
}

func (m *Monitor) record(violations []Violation) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.events++
	m.violations += len(violations)
	m.history = append(m.history, violations...)
	if over := len(m.history) - m.historyLimit; m.historyLimit > 0 && over > 0 {
		m.history = slices.Clone(m.history[over:])
	}
}

// Violations returns the retained history, oldest first.
func (m *Monitor) Violations() []Violation {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return slices.Clone(m.history)
}

// ViolationsFor returns the retained violations of one agent.
func (m *Monitor) ViolationsFor(agent string) []Violation {
	var out []Violation
	for _, v := range m.Violations() {
		if v.Agent == agent {
			out = append(out, v)
		}
	}
	return out
}

// Stats returns a snapshot of the counters.
func (m *Monitor) Stats() Stats {
	verifiers := len(m.Verifiers())
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	per := make(map[string]VerifierStats, len(m.stats))
	for name, s := range m.stats {
		per[name] = *s
	}
	return Stats{
		Events:      m.events,
		Violations:  m.violations,
		Verifiers:   verifiers,
		PerVerifier: per,
	}
}
