package trust

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// Level is a discrete reputation tier.
type Level string

const (
	LevelTrusted   Level = "trusted"
	LevelStandard  Level = "standard"
	LevelProbation Level = "probation"
	LevelUntrusted Level = "untrusted"
)

// TierThresholds are the lower bounds of each tier.
type TierThresholds struct {
	Trusted   float64 `yaml:"trusted" json:"trusted"`
	Standard  float64 `yaml:"standard" json:"standard"`
	Probation float64 `yaml:"probation" json:"probation"`
}

// ReputationConfig parameterises score updates.
//
// A compliance adds Step*RewardFactor. A violation subtracts
// Step*PenaltyFactor*SeverityWeights[severity]. Scores are clamped to [0,1].
type ReputationConfig struct {
	InitialScore    float64                         `yaml:"initial_score" json:"initial_score"`
	Step            float64                         `yaml:"step" json:"step"`
	RewardFactor    float64                         `yaml:"reward_factor" json:"reward_factor"`
	PenaltyFactor   float64                         `yaml:"penalty_factor" json:"penalty_factor"`
	SeverityWeights map[interfaces.Severity]float64 `yaml:"severity_weights" json:"severity_weights"`
	Tiers           TierThresholds                  `yaml:"tiers" json:"tiers"`
	HistoryLimit    int                             `yaml:"history_limit" json:"history_limit"`
}

// DefaultReputationConfig returns the stock parameters.
func DefaultReputationConfig() ReputationConfig {
	return ReputationConfig{
		InitialScore:  0.5,
		Step:          0.05,
		RewardFactor:  1.0,
		PenaltyFactor: 1.5,
		SeverityWeights: map[interfaces.Severity]float64{
			interfaces.SeverityLow:      1.0,
			interfaces.SeverityMedium:   1.5,
			interfaces.SeverityHigh:     2.0,
			interfaces.SeverityCritical: 3.0,
		},
		Tiers:        TierThresholds{Trusted: 0.8, Standard: 0.5, Probation: 0.2},
		HistoryLimit: 256,
	}
}

// LevelFor maps a score to its tier.
func (c ReputationConfig) LevelFor(score float64) Level {
	switch {
	case score >= c.Tiers.Trusted:
		return LevelTrusted
	case score >= c.Tiers.Standard:
		return LevelStandard
	case score >= c.Tiers.Probation:
		return LevelProbation
	default:
		return LevelUntrusted
	}
}

func (c ReputationConfig) severityWeight(s interfaces.Severity) float64 {
	if w, ok := c.SeverityWeights[s]; ok && w > 0 {
		return w
	}
	return 1
}

// TrustLevel maps score to a tier using the default thresholds.
func TrustLevel(score float64) Level {
	return DefaultReputationConfig().LevelFor(score)
}

// Outcome kinds recorded in reputation history.
const (
	OutcomeCompliance = "compliance"
	OutcomeViolation  = "violation"
	OutcomeReset      = "reset"
)

// ReputationEvent is one entry in an agent's history.
type ReputationEvent struct {
	Kind     string              `json:"kind"`
	Reason   string              `json:"reason,omitempty"`
	Severity interfaces.Severity `json:"severity,omitempty"`
	Delta    float64             `json:"delta"`
	Score    float64             `json:"score"`
	At       time.Time           `json:"at"`
}

// Reputation is the current standing of one agent.
type Reputation struct {
	Agent       string            `json:"agent"`
	Score       float64           `json:"score"`
	Level       Level             `json:"level"`
	Compliances int               `json:"compliances"`
	Violations  int               `json:"violations"`
	UpdatedAt   time.Time         `json:"updated_at"`
	History     []ReputationEvent `json:"history,omitempty"`
}

// ReputationOption configures a ReputationSystem.
type ReputationOption func(*ReputationSystem)

// WithReputationConfig replaces the default parameters.
func WithReputationConfig(cfg ReputationConfig) ReputationOption {
	return func(r *ReputationSystem) { r.cfg = cfg }
}

// WithReputationClock overrides the clock.
func WithReputationClock(clock func() time.Time) ReputationOption {
	return func(r *ReputationSystem) { r.clock = clock }
}

// WithReputationLogger sets the logger.
func WithReputationLogger(l *slog.Logger) ReputationOption {
	return func(r *ReputationSystem) { r.logger = l }
}

// ReputationSystem tracks one score per agent, created on first use.
type ReputationSystem struct {
	mu     sync.Mutex
	scores map[string]*Reputation
	cfg    ReputationConfig
	clock  func() time.Time
	logger *slog.Logger
}

// NewReputationSystem returns an empty system.
func NewReputationSystem(opts ...ReputationOption) *ReputationSystem {
	r := &ReputationSystem{
		scores: make(map[string]*Reputation),
		cfg:    DefaultReputationConfig(),
		clock:  time.Now,
		logger: slog.Default().With("component", "reputation"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the active parameters.
func (r *ReputationSystem) Config() ReputationConfig { return r.cfg }

func (r *ReputationSystem) entry(agent string) *Reputation {
	rep, ok := r.scores[agent]
	if !ok {
		rep = &Reputation{
			Agent:     agent,
			Score:     r.cfg.InitialScore,
			Level:     r.cfg.LevelFor(r.cfg.InitialScore),
			UpdatedAt: r.clock().UTC(),
		}
		r.scores[agent] = rep
	}
	return rep
}

func (r *ReputationSystem) apply(agent string, ev ReputationEvent) Reputation {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := r.entry(agent)
	before := rep.Score
	target := rep.Score + ev.Delta
	if ev.Kind == OutcomeReset {
		target = r.cfg.InitialScore
	}
	rep.Score = min(1, max(0, target))
	rep.Level = r.cfg.LevelFor(rep.Score)
	rep.UpdatedAt = ev.At

	ev.Delta = rep.Score - before
	ev.Score = rep.Score
	rep.History = append(rep.History, ev)
	if limit := r.cfg.HistoryLimit; limit > 0 && len(rep.History) > limit {
		rep.History = slices.Clone(rep.History[len(rep.History)-limit:])
	}
	switch ev.Kind {
	case OutcomeCompliance:
		rep.Compliances++
	case OutcomeViolation:
		rep.Violations++
	}
	return snapshotOf(rep)
}

// RecordCompliance credits agent for a compliant action.
func (r *ReputationSystem) RecordCompliance(agent, reason string) Reputation {
	return r.apply(agent, ReputationEvent{
		Kind:   OutcomeCompliance,
		Reason: reason,
		Delta:  r.cfg.Step * r.cfg.RewardFactor,
		At:     r.clock().UTC(),
	})
}

// RecordViolation penalises agent. The penalty grows with severity and is
// always larger than the credit for one compliance.
func (r *ReputationSystem) RecordViolation(agent, reason string, severity interfaces.Severity) Reputation {
	rep := r.apply(agent, ReputationEvent{
		Kind:     OutcomeViolation,
		Reason:   reason,
		Severity: severity,
		Delta:    -r.cfg.Step * r.cfg.PenaltyFactor * r.cfg.severityWeight(severity),
		At:       r.clock().UTC(),
	})
	r.logger.Warn("reputation penalised", "agent", agent, "severity", severity, "score", rep.Score, "reason", reason)
	return rep
}

// Reset restores agent to the initial score, keeping its history.
func (r *ReputationSystem) Reset(agent string) Reputation {
	return r.apply(agent, ReputationEvent{Kind: OutcomeReset, At: r.clock().UTC()})
}

// Get returns agent's standing without history.
func (r *ReputationSystem) Get(agent string) Reputation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshotOf(r.entry(agent))
}

// Score returns agent's current score.
func (r *ReputationSystem) Score(agent string) float64 {
	return r.Get(agent).Score
}

// Level returns agent's current tier.
func (r *ReputationSystem) Level(agent string) Level {
	return r.Get(agent).Level
}

// History returns agent's recorded updates, oldest first.
func (r *ReputationSystem) History(agent string) []ReputationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep, ok := r.scores[agent]; ok {
		return slices.Clone(rep.History)
	}
	return nil
}

// Rankings returns every known agent ordered by descending score, ties by id.
func (r *ReputationSystem) Rankings() []Reputation {
	r.mu.Lock()
	out := make([]Reputation, 0, len(r.scores))
	for _, rep := range r.scores {
		out = append(out, snapshotOf(rep))
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Reputation) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Agent, b.Agent)
	})
	return out
}

// TrustedAgents returns the ranked agents whose score is at least minScore.
func (r *ReputationSystem) TrustedAgents(minScore float64) []Reputation {
	ranked := r.Rankings()
	for i, rep := range ranked {
		if rep.Score < minScore {
			return ranked[:i]
		}
	}
	return ranked
}

func snapshotOf(rep *Reputation) Reputation {
	out := *rep
	out.History = nil
	return out
}
