package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

var testEpoch = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func event(seq uint64, agent, action, payload string) eventstore.Event {
	return eventstore.Event{
		Sequence:  seq,
		Agent:     agent,
		Action:    action,
		Payload:   json.RawMessage(payload),
		Timestamp: testEpoch.Add(time.Duration(seq) * time.Second),
	}
}

func verdict(name string, passed bool, scope ...string) Func {
	return Func{
		Scope: scope,
		ID:    name,
		Fn: func(context.Context, eventstore.Event) Result {
			if passed {
				return Pass("ok")
			}
			return Fail(interfaces.SeverityLow, "%s says no", name)
		},
	}
}

func TestMonitorRegistration(t *testing.T) {
	m, err := NewMonitor([]Verifier{verdict("a", true)})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Register(verdict("a", true)), ErrDuplicateVerifier)
	assert.ErrorIs(t, m.Register(verdict("", true)), ErrUnnamedVerifier)
	require.NoError(t, m.Register(verdict("b", true)))
	assert.Equal(t, []string{"a", "b"}, m.Verifiers())

	assert.True(t, m.Unregister("a"))
	assert.False(t, m.Unregister("a"))
	assert.Equal(t, []string{"b"}, m.Verifiers())

	_, err = NewMonitor([]Verifier{verdict("x", true), verdict("x", false)})
	assert.ErrorIs(t, err, ErrDuplicateVerifier)
}

func TestMonitorRequiresAllApplicable(t *testing.T) {
	m, err := NewMonitor([]Verifier{
		verdict("always", true),
		verdict("payments_only", false, "payment.**"),
	}, WithMonitorClock(func() time.Time { return testEpoch }))
	require.NoError(t, err)

	var seen []Violation
	m.OnViolation(func(v Violation) { seen = append(seen, v) })

	r := m.Check(context.Background(), event(1, "a", "chat.send", `{}`))
	assert.True(t, r.Passed)
	assert.Len(t, r.Results, 1, "non-applicable verifiers are skipped")

	r = m.Check(context.Background(), event(2, "a", "payment.send", `{}`))
	assert.False(t, r.Passed)
	require.Len(t, r.Failures(), 1)
	assert.Equal(t, "payments_only", r.Failures()[0].Verifier)
	assert.Equal(t, interfaces.SeverityLow, r.MaxSeverity())

	require.Len(t, seen, 1)
	assert.Equal(t, uint64(2), seen[0].Sequence)
	assert.Equal(t, "policy:payments_only", seen[0].Alert().Source)
	assert.Len(t, m.ViolationsFor("a"), 1)
	assert.Empty(t, m.ViolationsFor("b"))

	stats := m.Stats()
	assert.Equal(t, 2, stats.Events)
	assert.Equal(t, 1, stats.Violations)
	assert.Equal(t, 2, stats.Verifiers)
	assert.Equal(t, VerifierStats{Checks: 2}, stats.PerVerifier["always"])
	assert.Equal(t, VerifierStats{Checks: 1, Failures: 1}, stats.PerVerifier["payments_only"])
}

func TestMonitorIsolatesPanics(t *testing.T) {
	boom := Func{ID: "boom", Fn: func(context.Context, eventstore.Event) Result { panic("bad verifier") }}
	m, err := NewMonitor([]Verifier{boom, verdict("after", true)})
	require.NoError(t, err)

	r := m.Check(context.Background(), event(1, "a", "x", `{}`))
	assert.False(t, r.Passed)
	require.Len(t, r.Results, 2)
	assert.Equal(t, interfaces.SeverityHigh, r.Results[0].Severity)
	assert.Contains(t, r.Results[0].Reason, "panicked")
	assert.True(t, r.Results[1].Passed, "later verifiers still run")
	assert.Equal(t, 1, m.Stats().PerVerifier["boom"].Panics)
}

func TestMonitorHistoryLimit(t *testing.T) {
	m, err := NewMonitor([]Verifier{verdict("no", false)}, WithHistoryLimit(3))
	require.NoError(t, err)
	for i := range 5 {
		m.Check(context.Background(), event(uint64(i+1), "a", "x", `{}`))
	}
	h := m.Violations()
	require.Len(t, h, 3)
	assert.Equal(t, uint64(3), h[0].Sequence)
	assert.Equal(t, 5, m.Stats().Violations)
}

func TestFailDefaultsSeverity(t *testing.T) {
	silent := Func{ID: "silent", Fn: func(context.Context, eventstore.Event) Result { return Result{} }}
	m, err := NewMonitor([]Verifier{silent})
	require.NoError(t, err)
	r := m.Check(context.Background(), event(1, "a", "x", `{}`))
	assert.Equal(t, interfaces.SeverityMedium, r.Results[0].Severity)
}
