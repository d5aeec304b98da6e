package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

func TestAbsoluteDeadlineObligation(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock)
	v := NewVerifier(r, WithVerifierClock(clock.Now))

	terms := twoParty()
	terms.Obligations = []Obligation{{
		ID:       "monthly-report",
		Agent:    "A",
		Action:   "report.*",
		Deadline: clock.Now().Add(24 * time.Hour),
		Severity: interfaces.SeverityHigh,
	}}
	c, err := r.Create(terms)
	require.NoError(t, err)
	c = activate(t, r, c)

	viols, err := v.CheckPendingObligations(c.ID, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, viols)

	late := clock.Now().Add(48 * time.Hour)
	for range 3 {
		viols, err = v.CheckPendingObligations(c.ID, late)
		require.NoError(t, err)
		require.Len(t, viols, 1, "reported exactly once per call")
		assert.Equal(t, RuleObligationOverdue, viols[0].Rule)
		assert.Equal(t, "A", viols[0].Agent)
		assert.Equal(t, interfaces.SeverityHigh, viols[0].Severity)
	}

	_, ok := v.FulfillObligation(c.ID, "B", "report.monthly")
	assert.False(t, ok, "wrong agent")
	clock.Advance(48 * time.Hour)
	p, ok := v.FulfillObligation(c.ID, "A", "report.monthly")
	require.True(t, ok)
	assert.True(t, p.Late)

	viols, err = v.CheckPendingObligations(c.ID, late)
	require.NoError(t, err)
	assert.Empty(t, viols)
}

func TestTriggeredObligation(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock)
	v := NewVerifier(r, WithVerifierClock(clock.Now))

	terms := Terms{
		Parties:      []Party{{Agent: "buyer"}, {Agent: "seller"}},
		Capabilities: []Rule{{Action: "order.**"}},
		Obligations: []Obligation{{
			ID:      "ship",
			Agent:   "seller",
			Action:  "order.ship",
			Trigger: "order.place",
			Within:  "1h",
		}},
	}
	c, err := r.Create(terms)
	require.NoError(t, err)

	_, err = v.TrackObligation(c.ID, "order.place")
	assert.ErrorIs(t, err, ErrInvalidState, "draft contracts start no clocks")

	c = activate(t, r, c)
	assert.Empty(t, v.PendingObligations(c.ID))

	started, err := v.TrackObligation(c.ID, "order.cancel")
	require.NoError(t, err)
	assert.Empty(t, started)

	started, err = v.TrackObligation(c.ID, "order.place")
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, clock.Now().Add(time.Hour), started[0].Deadline)

	clock.Advance(30 * time.Minute)
	again, err := v.TrackObligation(c.ID, "order.place")
	require.NoError(t, err)
	assert.Empty(t, again, "running clock is not restarted")

	viols, err := v.CheckPendingObligations(c.ID, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, viols, 1)

	p, ok := v.FulfillObligation(c.ID, "seller", "order.ship")
	require.True(t, ok)
	assert.False(t, p.Late)

	viols, err = v.CheckPendingObligations(c.ID, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, viols)
	assert.Len(t, v.PendingObligations(c.ID), 1)
}

func TestObligationsLapseWithContract(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock)
	v := NewVerifier(r, WithVerifierClock(clock.Now))

	terms := twoParty()
	terms.ExpiresAt = clock.Now().Add(72 * time.Hour)
	terms.Obligations = []Obligation{{ID: "o", Agent: "B", Action: "ack", Deadline: clock.Now().Add(time.Hour)}}
	c, err := r.Create(terms)
	require.NoError(t, err)
	c = activate(t, r, c)

	viols, err := v.CheckPendingObligations(c.ID, clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, viols, 1)

	viols, err = v.CheckPendingObligations(c.ID, clock.Now().Add(100*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, viols, "expired contract reports nothing")

	_, err = r.Terminate(c.ID, "done")
	require.NoError(t, err)
	viols, err = v.CheckPendingObligations(c.ID, clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, viols)
}
