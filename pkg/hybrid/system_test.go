package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/anchor"
	"github.com/Mindburn-Labs/accord/pkg/attestation"
	"github.com/Mindburn-Labs/accord/pkg/contract"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
	"github.com/Mindburn-Labs/accord/pkg/policy"
	"github.com/Mindburn-Labs/accord/pkg/trust"
)

type alerts struct {
	mu   sync.Mutex
	list []interfaces.Alert
}

func (a *alerts) add(al interfaces.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list = append(a.list, al)
}

func (a *alerts) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.list)
}

func newSystem(t *testing.T, opts ...Option) (*System, *alerts) {
	t.Helper()
	al := &alerts{}
	sys, err := New(append([]Option{WithAlertFunc(al.add)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(sys.Close)
	return sys, al
}

func newAgent(t *testing.T, sys *System, id string) *identity.Identity {
	t.Helper()
	a, err := identity.Generate(id, nil)
	require.NoError(t, err)
	require.NoError(t, sys.RegisterAgent(context.Background(), a))
	return a
}

// bind creates and fully signs a contract between the given agents.
func bind(t *testing.T, sys *System, terms contract.Terms, agents ...string) contract.Contract {
	t.Helper()
	ctx := context.Background()
	for _, a := range agents {
		terms.Parties = append(terms.Parties, contract.Party{Agent: a, Role: "party"})
	}
	c, err := sys.CreateContract(ctx, terms)
	require.NoError(t, err)
	for _, a := range agents {
		c, err = sys.SignContract(ctx, c.ID, a)
		require.NoError(t, err)
	}
	require.Equal(t, contract.StatusActive, c.Status)
	return c
}

func checkNames(res *Result) []string {
	names := make([]string, 0, len(res.Checks))
	for _, c := range res.Checks {
		names = append(names, c.Name)
	}
	return names
}

func TestNew_RejectsBadSettings(t *testing.T) {
	_, err := New(WithDefaultLevel("paranoid"))
	require.ErrorIs(t, err, ErrUnknownLevel)

	_, err = New(WithEscalationThreshold("urgent"))
	require.Error(t, err)

	l, err := ParseLevel("full")
	require.NoError(t, err)
	assert.Equal(t, LevelFull, l)
}

func TestRecordEvent_Levels(t *testing.T) {
	sys, _ := newSystem(t)
	ctx := context.Background()
	rec := eventstore.Record{Agent: "alice", Action: "task.start", Payload: map[string]any{"n": 1}}

	res, err := sys.RecordEvent(ctx, rec, LevelBasic)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, []string{CheckChain}, checkNames(res))

	res, err = sys.RecordEvent(ctx, rec, "")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, LevelStandard, res.Level)
	assert.Equal(t, []string{CheckChain, CheckSignature, CheckPolicy, CheckTrust, CheckContract, CheckObligations}, checkNames(res))
	sig, _ := res.Check(CheckSignature)
	assert.True(t, sig.Skipped)

	res, err = sys.RecordEvent(ctx, rec, LevelFull)
	require.NoError(t, err)
	last := res.Checks[len(res.Checks)-1]
	assert.Equal(t, CheckAnchor, last.Name)
	assert.True(t, last.Passed)
	assert.Nil(t, res.Anchor)
	assert.Equal(t, 1, sys.Anchors().Pending())

	_, err = sys.RecordEvent(ctx, rec, "paranoid")
	require.ErrorIs(t, err, ErrUnknownLevel)

	st := sys.GetStats()
	assert.Equal(t, 1, st.Recorded[LevelBasic])
	assert.Equal(t, 1, st.Recorded[LevelStandard])
	assert.Equal(t, 1, st.Recorded[LevelFull])
	assert.Equal(t, 3, st.Verified)
}

func TestRecordEvent_InvalidRecordAppendsNothing(t *testing.T) {
	sys, _ := newSystem(t)
	_, err := sys.RecordEvent(context.Background(), eventstore.Record{Action: "task.start"}, LevelStandard)
	require.ErrorIs(t, err, eventstore.ErrValidation)
	assert.Equal(t, 0, sys.Store().Len())
}

func TestRecordSigned(t *testing.T) {
	sys, al := newSystem(t)
	ctx := context.Background()
	alice := newAgent(t, sys, "alice")

	res, err := sys.RecordSigned(ctx, alice, "task.start", map[string]string{"job": "42"}, LevelStandard)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	sig, ok := res.Check(CheckSignature)
	require.True(t, ok)
	assert.True(t, sig.Passed)
	assert.False(t, sig.Skipped)

	// A key the registry has never seen.
	mallory, err := identity.Generate("mallory", nil)
	require.NoError(t, err)
	res, err = sys.RecordSigned(ctx, mallory, "task.start", nil, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	sig, _ = res.Check(CheckSignature)
	assert.Equal(t, interfaces.SeverityCritical, sig.Severity)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, interfaces.SeverityCritical, res.Escalation.Severity)
	assert.Equal(t, "mallory", res.Escalation.Agent)
	assert.Equal(t, "revoke the agent key and re-verify its recent events", res.Escalation.RecommendedAction)
	assert.Equal(t, 1, al.len())
	assert.Less(t, sys.Reputation().Score("mallory"), 0.5)
}

func TestRequireSignatures(t *testing.T) {
	sys, _ := newSystem(t, WithRequireSignatures(true))
	res, err := sys.RecordEvent(context.Background(), eventstore.Record{Agent: "alice", Action: "task.start"}, LevelStandard)
	require.NoError(t, err)
	sig, _ := res.Check(CheckSignature)
	assert.False(t, sig.Passed)
	assert.Equal(t, interfaces.SeverityHigh, sig.Severity)
}

func TestContractProhibitionTakesPrecedence(t *testing.T) {
	sys, al := newSystem(t)
	ctx := context.Background()
	bind(t, sys, contract.Terms{
		Title:        "payments",
		Capabilities: []contract.Rule{{Action: "payment.*"}},
		Prohibitions: []contract.Rule{{Agent: "alice", Action: "payment.refund"}},
	}, "alice", "bob")
	bind(t, sys, contract.Terms{
		Title:        "refunds",
		Capabilities: []contract.Rule{{Action: "payment.refund"}},
	}, "alice", "carol")

	res, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "payment.send"}, LevelStandard)
	require.NoError(t, err)
	assert.True(t, res.Verified)

	res, err = sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "payment.refund"}, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	c, _ := res.Check(CheckContract)
	assert.Equal(t, contract.RuleProhibited, c.Rule)
	assert.Equal(t, interfaces.SeverityHigh, c.Severity)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, "suspend the agent's capabilities under the contract", res.Escalation.RecommendedAction)
	assert.Equal(t, 1, al.len())

	// bob is not named by the prohibition.
	res, err = sys.RecordEvent(ctx, eventstore.Record{Agent: "bob", Action: "payment.refund"}, LevelStandard)
	require.NoError(t, err)
	assert.True(t, res.Verified)

	// Appended even though it failed.
	assert.Equal(t, "payment.refund", sys.Store().Snapshot().At(sys.Store().Len()-2).Action)
}

func TestStrictContracts(t *testing.T) {
	sys, _ := newSystem(t, WithStrictContracts(true))
	res, err := sys.RecordEvent(context.Background(), eventstore.Record{Agent: "drifter", Action: "task.start"}, LevelStandard)
	require.NoError(t, err)
	c, _ := res.Check(CheckContract)
	assert.False(t, c.Passed)
	assert.Equal(t, contract.RuleNoContract, c.Rule)
	assert.Nil(t, res.Escalation, "medium is below the default escalation threshold")
}

func TestReputationIsAsymmetric(t *testing.T) {
	sys, _ := newSystem(t)
	ctx := context.Background()
	bind(t, sys, contract.Terms{Capabilities: []contract.Rule{{Action: "data.read"}}}, "alice")

	_, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "data.read"}, LevelStandard)
	require.NoError(t, err)
	afterCompliance := sys.Reputation().Score("alice")
	assert.Greater(t, afterCompliance, 0.5)

	_, err = sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "data.delete"}, LevelStandard)
	require.NoError(t, err)
	assert.Less(t, sys.Reputation().Score("alice"), 0.5, "one violation outweighs one compliance")

	// Basic level does not judge the agent.
	before := sys.Reputation().Score("alice")
	_, err = sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "data.delete"}, LevelBasic)
	require.NoError(t, err)
	assert.Equal(t, before, sys.Reputation().Score("alice"))
}

func TestLowReputationFailsTrustCheck(t *testing.T) {
	sys, _ := newSystem(t)
	for range 3 {
		sys.Reputation().RecordViolation("eve", "test", interfaces.SeverityHigh)
	}
	assert.False(t, sys.IsTrusted("eve"))

	res, err := sys.RecordEvent(context.Background(), eventstore.Record{Agent: "eve", Action: "task.start"}, LevelStandard)
	require.NoError(t, err)
	c, _ := res.Check(CheckTrust)
	assert.False(t, c.Passed)
	assert.Equal(t, interfaces.SeverityMedium, c.Severity)
	assert.Equal(t, trust.LevelUntrusted, sys.Reputation().Level("eve"))
}

func TestPolicyPanicIsIsolated(t *testing.T) {
	sys, _ := newSystem(t)
	require.NoError(t, sys.Monitor().Register(policy.Func{
		ID: "boom",
		Fn: func(context.Context, eventstore.Event) policy.Result { panic("kaboom") },
	}))
	require.NoError(t, sys.Monitor().Register(policy.Func{
		ID: "ok",
		Fn: func(context.Context, eventstore.Event) policy.Result { return policy.Pass("fine") },
	}))

	res, err := sys.RecordEvent(context.Background(), eventstore.Record{Agent: "alice", Action: "task.start"}, LevelStandard)
	require.NoError(t, err)
	assert.Equal(t, 1, sys.Store().Len())

	boom, ok := res.Check("policy:boom")
	require.True(t, ok)
	assert.False(t, boom.Passed)
	assert.Contains(t, boom.Reason, "kaboom")

	okCheck, _ := res.Check("policy:ok")
	assert.True(t, okCheck.Passed)
	chain, _ := res.Check(CheckChain)
	assert.True(t, chain.Passed)
	assert.Equal(t, "review the agent's actions against policy boom", res.Escalation.RecommendedAction)
}

func TestGuardRecoversCheckPanic(t *testing.T) {
	sys, _ := newSystem(t)
	checks := sys.guard(CheckTrust, func() []Check { panic("nil map") })
	require.Len(t, checks, 1)
	assert.Equal(t, CheckTrust, checks[0].Name)
	assert.False(t, checks[0].Passed)
	assert.Equal(t, interfaces.SeverityHigh, checks[0].Severity)
}

func TestEscalationThreshold(t *testing.T) {
	terms := contract.Terms{
		Capabilities: []contract.Rule{{Action: "**"}},
		Prohibitions: []contract.Rule{{Action: "admin.*"}},
	}
	rec := eventstore.Record{Agent: "alice", Action: "admin.reset"}

	sys, _ := newSystem(t, WithEscalationThreshold(interfaces.SeverityCritical))
	bind(t, sys, terms, "alice")
	res, err := sys.RecordEvent(context.Background(), rec, LevelStandard)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Nil(t, res.Escalation)
	assert.Empty(t, sys.Escalations().Open())

	sys, _ = newSystem(t, WithEscalationThreshold(interfaces.SeverityMedium))
	bind(t, sys, terms, "alice")
	res, err = sys.RecordEvent(context.Background(), rec, LevelStandard)
	require.NoError(t, err)
	require.NotNil(t, res.Escalation)
	assert.Len(t, sys.Escalations().Open(), 1)
	assert.Equal(t, res.Event.Sequence, res.Escalation.Sequence)
}

func TestAuditLogDetectsTampering(t *testing.T) {
	sys, _ := newSystem(t)
	ctx := context.Background()
	for i := range 5 {
		_, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "step.run", Payload: map[string]int{"i": i}}, LevelBasic)
		require.NoError(t, err)
	}
	require.NoError(t, sys.Store().VerifyChain())

	log, err := sys.ExportAuditLog(0, 0)
	require.NoError(t, err)
	require.Len(t, log.Events, 5)
	require.NoError(t, eventstore.VerifyAuditLog(log))

	log.Events[2].Payload = json.RawMessage(`{"i":99}`)
	require.Error(t, eventstore.VerifyAuditLog(log))

	part, err := sys.ExportAuditLog(2, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, part.EntryCount)
	require.NoError(t, eventstore.VerifyAuditLog(part))
}

func TestVerifyEvent_WithAnchorProof(t *testing.T) {
	sys, _ := newSystem(t, WithAnchors(anchor.NewService(anchor.WithThreshold(2))))
	ctx := context.Background()

	first, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "task.start"}, LevelFull)
	require.NoError(t, err)
	assert.Nil(t, first.Anchor)

	second, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "task.finish"}, LevelFull)
	require.NoError(t, err)
	require.NotNil(t, second.Anchor)
	assert.Equal(t, anchor.StatusConfirmed, second.Anchor.Status)
	assert.Equal(t, []uint64{first.Event.Sequence, second.Event.Sequence}, second.Anchor.Sequences)

	res, err := sys.VerifyEvent(ctx, first.Event.Sequence)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	a, _ := res.Check(CheckAnchor)
	assert.False(t, a.Skipped)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, second.Anchor.Root, res.Anchor.Root)

	third, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "task.idle"}, LevelBasic)
	require.NoError(t, err)
	res, err = sys.VerifyEvent(ctx, third.Event.Sequence)
	require.NoError(t, err)
	a, _ = res.Check(CheckAnchor)
	assert.True(t, a.Skipped)

	_, err = sys.VerifyEvent(ctx, 999)
	require.Error(t, err)
}

func signMessage(t *testing.T, signer *identity.Identity, msg *interfaces.Message) {
	t.Helper()
	b, err := eventstore.SigningBytes(msg.Sender, msg.Action, msg.Payload)
	require.NoError(t, err)
	msg.Signature, err = signer.SignHex(b)
	require.NoError(t, err)
}

func TestDefaultAnchorServiceSealsBatches(t *testing.T) {
	sys, _ := newSystem(t)
	ctx := context.Background()
	newAgent(t, sys, "alice")
	bind(t, sys, contract.Terms{Capabilities: []contract.Rule{{Action: "**"}}}, "alice")

	var last *Result
	for i := range DefaultAnchorThreshold {
		res, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "task.step"}, LevelFull)
		require.NoError(t, err)
		if i < DefaultAnchorThreshold-1 {
			require.Nil(t, res.Anchor, "event %d", i)
		}
		last = res
	}
	require.NotNil(t, last.Anchor)
	assert.Len(t, last.Anchor.Sequences, DefaultAnchorThreshold)
	assert.Zero(t, sys.Anchors().Pending())
}

func TestVerifyMessage(t *testing.T) {
	var delivered []interfaces.Message
	router := interfaces.RouterFunc(func(_ context.Context, msg interfaces.Message) (interfaces.DeliveryResult, error) {
		delivered = append(delivered, msg)
		return interfaces.DeliveryResult{Delivered: true, Detail: "queued"}, nil
	})
	sys, al := newSystem(t, WithRouter(router), WithTrustThreshold(0.1))
	ctx := context.Background()
	alice := newAgent(t, sys, "alice")
	newAgent(t, sys, "bob")
	c := bind(t, sys, contract.Terms{
		Capabilities: []contract.Rule{{Action: "chat.*"}},
		Prohibitions: []contract.Rule{{Action: "chat.spam"}},
	}, "alice", "bob")

	msg := interfaces.Message{ID: "m-1", Sender: "alice", Receiver: "bob", Action: "chat.hello", Payload: json.RawMessage(`{"text":"hi"}`)}
	signMessage(t, alice, &msg)
	res, err := sys.VerifyMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, res.Allowed, res.Reason)
	require.NotNil(t, res.Delivery)
	assert.True(t, res.Delivery.Delivered)
	assert.Len(t, delivered, 1)
	assert.Equal(t, "message.send", res.Event.Action)
	assert.Equal(t, "alice", res.Event.Agent)
	require.Len(t, res.Verdict.Decisions, 1)
	assert.Equal(t, c.ID, res.Verdict.Decisions[0].ContractID)

	res, err = sys.VerifyMessage(ctx, interfaces.Message{ID: "m-2", Sender: "alice", Receiver: "bob", Action: "chat.spam"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "message.denied", res.Event.Action)
	assert.Nil(t, res.Delivery)
	assert.Len(t, delivered, 1)
	require.NotNil(t, res.Escalation)

	res, err = sys.VerifyMessage(ctx, interfaces.Message{ID: "m-3", Sender: "alice", Receiver: "carol", Action: "chat.hello"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "no active contract")

	forged := interfaces.Message{ID: "m-4", Sender: "alice", Receiver: "bob", Action: "chat.hello", Signature: "abcd"}
	res, err = sys.VerifyMessage(ctx, forged)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	sig := res.Checks[0]
	assert.Equal(t, CheckSignature, sig.Name)
	assert.Equal(t, interfaces.SeverityCritical, sig.Severity)

	_, err = sys.VerifyMessage(ctx, interfaces.Message{Sender: "alice", Action: "chat.hello"})
	require.ErrorIs(t, err, eventstore.ErrValidation)

	st := sys.GetStats()
	assert.Equal(t, 4, st.Messages)
	assert.Equal(t, 3, st.MessagesDenied)
	assert.Equal(t, 3, al.len())
}

func TestVerifyMessage_DeliveryFailureIsReported(t *testing.T) {
	router := interfaces.RouterFunc(func(context.Context, interfaces.Message) (interfaces.DeliveryResult, error) {
		return interfaces.DeliveryResult{}, errors.New("receiver offline")
	})
	sys, _ := newSystem(t, WithRouter(router))
	bind(t, sys, contract.Terms{Capabilities: []contract.Rule{{Action: "ping"}}}, "alice", "bob")

	res, err := sys.VerifyMessage(context.Background(), interfaces.Message{ID: "m-1", Sender: "alice", Receiver: "bob", Action: "ping"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Nil(t, res.Delivery)
	assert.Equal(t, "receiver offline", res.DeliveryError)
}

func TestDecideProposal(t *testing.T) {
	ctx := context.Background()
	proposal := interfaces.Proposal{ID: "p-1", Proposer: "alice", Action: "policy.update"}
	votes := []interfaces.Vote{{Agent: "alice", Approve: true, Weight: 1}, {Agent: "bob", Approve: false, Weight: 0.5}}

	sys, _ := newSystem(t)
	_, err := sys.DecideProposal(ctx, proposal, votes)
	require.ErrorIs(t, err, ErrNoGovernance)

	majority := interfaces.GovernancePolicyFunc(func(_ context.Context, p interfaces.Proposal, votes []interfaces.Vote) (interfaces.Decision, error) {
		var d interfaces.Decision
		for _, v := range votes {
			if v.Approve {
				d.For += v.Weight
			} else {
				d.Against += v.Weight
			}
		}
		d.Approved = d.For > d.Against
		return d, nil
	})
	sys, _ = newSystem(t, WithGovernance(majority))
	d, err := sys.DecideProposal(ctx, proposal, votes)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "p-1", d.ProposalID)
	e, err := sys.Store().Get(uint64(sys.Store().Len()))
	require.NoError(t, err)
	assert.Equal(t, "governance.decision", e.Action)
	assert.Equal(t, SystemAgent, e.Agent)

	broken := interfaces.GovernancePolicyFunc(func(context.Context, interfaces.Proposal, []interfaces.Vote) (interfaces.Decision, error) {
		return interfaces.Decision{Approved: true}, errors.New("quorum service down")
	})
	sys, _ = newSystem(t, WithGovernance(broken))
	d, err = sys.DecideProposal(ctx, proposal, votes)
	require.Error(t, err)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "quorum service down")
	assert.Equal(t, 1, sys.Store().Len())
}

func TestCheckObligations(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sys, al := newSystem(t, WithClock(clock), WithTrustThreshold(0.1))
	ctx := context.Background()

	bind(t, sys, contract.Terms{
		Capabilities: []contract.Rule{{Action: "report.*"}},
		Obligations: []contract.Obligation{{
			ID:       "weekly-report",
			Agent:    "bob",
			Action:   "report.submit",
			Deadline: now.Add(time.Hour),
			Severity: interfaces.SeverityHigh,
		}},
	}, "alice", "bob")

	assert.Empty(t, sys.CheckObligations(ctx))

	now = now.Add(2 * time.Hour)
	vs := sys.CheckObligations(ctx)
	require.Len(t, vs, 1)
	assert.Equal(t, "bob", vs[0].Agent)
	assert.Equal(t, contract.RuleObligationOverdue, vs[0].Rule)
	assert.Equal(t, 1, al.len())
	assert.Len(t, sys.Escalations().Open(), 1)
	penalised := sys.Reputation().Score("bob")
	assert.Less(t, penalised, 0.5)

	// Reported again, penalised once.
	require.Len(t, sys.CheckObligations(ctx), 1)
	assert.Equal(t, 1, al.len())
	assert.Equal(t, penalised, sys.Reputation().Score("bob"))

	// The event path sees the same overdue obligation as a repeat.
	res, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "bob", Action: "report.draft"}, LevelStandard)
	require.NoError(t, err)
	ob, _ := res.Check(CheckObligations)
	assert.False(t, ob.Passed)
	assert.True(t, ob.repeat)
	assert.Nil(t, res.Escalation)
	assert.Equal(t, 1, al.len())
}

func TestObligationFulfilledByEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sys, _ := newSystem(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	c := bind(t, sys, contract.Terms{
		Capabilities: []contract.Rule{{Action: "invoice.*"}, {Action: "payment.*"}},
		Obligations: []contract.Obligation{{
			ID:      "pay-invoice",
			Agent:   "bob",
			Action:  "payment.send",
			Trigger: "invoice.issue",
			Within:  "24h",
		}},
	}, "alice", "bob")

	res, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "invoice.issue"}, LevelStandard)
	require.NoError(t, err)
	ob, _ := res.Check(CheckObligations)
	assert.Contains(t, ob.Reason, "started pay-invoice for bob")

	res, err = sys.RecordEvent(ctx, eventstore.Record{Agent: "bob", Action: "payment.send"}, LevelStandard)
	require.NoError(t, err)
	ob, _ = res.Check(CheckObligations)
	assert.Contains(t, ob.Reason, "fulfilled pay-invoice")

	now = now.Add(48 * time.Hour)
	assert.Empty(t, sys.CheckObligations(ctx))
	pending := sys.ContractVerifier().PendingObligations(c.ID)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Fulfilled)
}

func TestTrustDelegation(t *testing.T) {
	sys, _ := newSystem(t)
	ctx := context.Background()

	_, err := sys.DelegateTrust(ctx, "alice", "bob", "payments", 0.9, time.Time{})
	require.NoError(t, err)
	assert.True(t, sys.IsTrustedBy("alice", "bob", "payments"))
	assert.False(t, sys.IsTrustedBy("alice", "bob", "deploy"))

	require.NoError(t, sys.RevokeTrust(ctx, "alice", "bob"))
	assert.False(t, sys.IsTrustedBy("alice", "bob", "payments"))

	e, err := sys.Store().Get(uint64(sys.Store().Len()))
	require.NoError(t, err)
	assert.Equal(t, "trust.revoke", e.Action)
}

func TestAttestationLifecycle(t *testing.T) {
	sys, _ := newSystem(t)
	ctx := context.Background()
	alice := newAgent(t, sys, "alice")
	newAgent(t, sys, "bob")

	req, err := sys.RequestAttestation(ctx, "bob", "kyc.passed", "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, attestation.StatusRequested, req.Status)

	a, err := sys.FulfillAttestation(ctx, req.ID, alice, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, attestation.StatusValid, a.Status)
	assert.True(t, sys.Attestations().HasValid("bob", "kyc.passed"))

	e, err := sys.Store().Get(uint64(sys.Store().Len()))
	require.NoError(t, err)
	assert.Equal(t, "attestation.fulfill", e.Action)
	assert.Equal(t, "alice", e.Agent)
	assert.NotContains(t, string(e.Payload), a.Token)

	_, err = sys.FulfillAttestation(ctx, req.ID, alice, time.Hour)
	require.ErrorIs(t, err, attestation.ErrInvalidState)
}

func TestGetStats(t *testing.T) {
	sys, _ := newSystem(t)
	ctx := context.Background()
	newAgent(t, sys, "alice")
	bind(t, sys, contract.Terms{Capabilities: []contract.Rule{{Action: "**"}}}, "alice")
	_, err := sys.RecordEvent(ctx, eventstore.Record{Agent: "alice", Action: "task.start"}, LevelFull)
	require.NoError(t, err)

	st := sys.GetStats()
	assert.Equal(t, sys.Store().Len(), st.Events)
	assert.Equal(t, sys.Store().Head(), st.ChainHead)
	assert.Equal(t, 1, st.Agents)
	assert.Equal(t, 1, st.Contracts)
	assert.Equal(t, 1, st.ActiveContracts)
	assert.Equal(t, 1, st.PendingAnchor)
	assert.Equal(t, "local", st.AnchorBackend)
	assert.Equal(t, 1, st.Verified)
	assert.Zero(t, st.Failed)
}
