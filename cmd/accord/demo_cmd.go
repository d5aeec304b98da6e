package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/config"
	"github.com/Mindburn-Labs/accord/pkg/contract"
	"github.com/Mindburn-Labs/accord/pkg/escalation"
	"github.com/Mindburn-Labs/accord/pkg/hybrid"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// demoSeed makes the demo agents the same on every run.
var demoSeed = []byte("accord-demo-society-seed")

type demoStep struct {
	Agent      string   `json:"agent"`
	Action     string   `json:"action"`
	Sequence   uint64   `json:"sequence"`
	Verified   bool     `json:"verified"`
	Failures   []string `json:"failures,omitempty"`
	Escalation string   `json:"escalation,omitempty"`
}

type demoReport struct {
	Steps       []demoStep         `json:"steps"`
	ContractID  string             `json:"contract_id"`
	Attestation string             `json:"attestation,omitempty"`
	AnchorRoot  string             `json:"anchor_root,omitempty"`
	ProofValid  bool               `json:"proof_valid"`
	Reputations map[string]float64 `json:"reputations"`
	Stats       hybrid.Stats       `json:"stats"`
}

// runDemoCmd implements `accord demo`: two agents sign a contract, act under
// it, break it once, and the resulting chain is anchored and re-verified.
func runDemoCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbURL      string
		jsonOutput bool
	)
	cmd.StringVar(&dbURL, "db", "", "Journal the demo events to this database")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	if dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	// The demo anchors explicitly at the end.
	cfg.Anchor.Threshold = 0

	n, err := newNode(ctx, cfg, dbURL != "")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() {
		if err := n.Close(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: close: %v\n", err)
		}
	}()

	report, err := runScenario(ctx, n.sys)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	printDemo(stdout, report)
	return 0
}

func runScenario(ctx context.Context, sys *hybrid.System) (*demoReport, error) {
	agents := make(map[string]*identity.Identity)
	for _, id := range []string{"alice", "bob"} {
		ident, err := identity.Derive(demoSeed, id, map[string]string{"role": "demo"})
		if err != nil {
			return nil, err
		}
		if err := sys.RegisterAgent(ctx, ident); err != nil {
			return nil, err
		}
		agents[id] = ident
	}

	c, err := sys.CreateContract(ctx, contract.Terms{
		Title: "data exchange",
		Parties: []contract.Party{
			{Agent: "alice", Role: "consumer"},
			{Agent: "bob", Role: "provider"},
		},
		Capabilities: []contract.Rule{
			{Action: "data.*"},
			{Agent: "bob", Action: "report.submit"},
			{Agent: "alice", Action: "payment.send"},
		},
		Prohibitions: []contract.Rule{{Action: "data.delete"}},
		Obligations: []contract.Obligation{{
			ID:          "pay-on-delivery",
			Agent:       "alice",
			Action:      "payment.send",
			Trigger:     "data.deliver",
			Within:      "1h",
			Severity:    interfaces.SeverityHigh,
			Description: "pay for every delivery within the hour",
		}},
	})
	if err != nil {
		return nil, err
	}
	for _, id := range []string{"alice", "bob"} {
		if c, err = sys.SignContractWith(ctx, c.ID, agents[id]); err != nil {
			return nil, err
		}
	}
	if _, err := sys.DelegateTrust(ctx, "alice", "bob", "data", 0.8, time.Time{}); err != nil {
		return nil, err
	}

	req, err := sys.RequestAttestation(ctx, "bob", "provider.certified", "alice", "bob")
	if err != nil {
		return nil, err
	}
	att, err := sys.FulfillAttestation(ctx, req.ID, agents["alice"], 24*time.Hour)
	if err != nil {
		return nil, err
	}

	report := &demoReport{ContractID: c.ID, Attestation: att.ID, Reputations: make(map[string]float64)}
	script := []struct {
		agent   string
		action  string
		payload any
		level   hybrid.Level
	}{
		{"alice", "data.request", map[string]string{"dataset": "weather"}, hybrid.LevelFull},
		{"bob", "data.deliver", map[string]any{"dataset": "weather", "rows": 1024}, hybrid.LevelFull},
		{"alice", "payment.send", map[string]any{"amount": 12, "currency": "EUR"}, hybrid.LevelFull},
		{"bob", "report.submit", map[string]string{"status": "done"}, hybrid.LevelStandard},
		{"bob", "data.delete", map[string]string{"dataset": "weather"}, hybrid.LevelFull},
	}
	for _, s := range script {
		res, err := sys.RecordSigned(ctx, agents[s.agent], s.action, s.payload, s.level)
		if err != nil {
			return nil, err
		}
		step := demoStep{Agent: s.agent, Action: s.action, Sequence: res.Event.Sequence, Verified: res.Verified}
		for _, f := range res.Failures() {
			step.Failures = append(step.Failures, f.Name+": "+f.Reason)
		}
		if res.Escalation != nil {
			step.Escalation = fmt.Sprintf("%s (%s) -> %s", res.Escalation.ID, res.Escalation.Severity, res.Escalation.Assignee)
		}
		report.Steps = append(report.Steps, step)
	}

	a, err := sys.Anchors().CreateAnchor()
	if err != nil {
		return nil, err
	}
	report.AnchorRoot = a.Root
	verified, err := sys.VerifyEvent(ctx, report.Steps[0].Sequence)
	if err != nil {
		return nil, err
	}
	report.ProofValid = verified.Verified && verified.Anchor != nil

	for _, id := range []string{"alice", "bob"} {
		report.Reputations[id] = sys.Reputation().Score(id)
	}
	report.Stats = sys.GetStats()
	return report, nil
}

func printDemo(w io.Writer, r *demoReport) {
	_, _ = title.Fprintln(w, "accord demo")
	_, _ = fmt.Fprintf(w, "Contract %s signed by alice and bob\n", r.ContractID)
	_, _ = fmt.Fprintf(w, "Attestation %s: alice certifies bob as a provider\n\n", r.Attestation)
	for _, s := range r.Steps {
		if s.Verified {
			_, _ = passed.Fprint(w, "  PASS ")
		} else {
			_, _ = failed.Fprint(w, "  FAIL ")
		}
		_, _ = fmt.Fprintf(w, "#%-3d %-6s %s\n", s.Sequence, s.Agent, s.Action)
		for _, f := range s.Failures {
			_, _ = warn.Fprintf(w, "         %s\n", f)
		}
		if s.Escalation != "" {
			_, _ = warn.Fprintf(w, "         escalation %s\n", s.Escalation)
		}
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Anchor root: %s\n", r.AnchorRoot)
	if r.ProofValid {
		_, _ = passed.Fprintln(w, "Inclusion proof for the first event: valid")
	} else {
		_, _ = failed.Fprintln(w, "Inclusion proof for the first event: INVALID")
	}
	_, _ = fmt.Fprintf(w, "Reputation: alice %.2f, bob %.2f\n", r.Reputations["alice"], r.Reputations["bob"])
	_, _ = fmt.Fprintf(w, "Events: %d, verified %d, failed %d, open escalations %d\n",
		r.Stats.Events, r.Stats.Verified, r.Stats.Failed, r.Stats.Escalations.ByStatus[escalation.StatusOpen])
}
