// Package trust maintains the delegated-trust graph between agents and the
// reputation scores that compliance and violation events move.
//
// Transitive trust decays geometrically: a path of n hops with weights
// w1..wn is worth w1*w2*...*wn * decay^(n-1). Every weight lies in [0,1] and
// decay in (0,1), so the value of a path never increases as hops are added.
package trust

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxHops bounds transitive search.
	DefaultMaxHops = 4
	// DefaultDecay is the per-hop multiplier applied after the first hop.
	DefaultDecay = 0.9
	// AnyScope is the wildcard delegation scope.
	AnyScope = "*"
)

var (
	ErrSelfDelegation = errors.New("trust: agent cannot delegate to itself")
	ErrInvalidWeight  = errors.New("trust: weight must be within [0,1]")
	ErrInvalidAgent   = errors.New("trust: agent id required")
	ErrNoDelegation   = errors.New("trust: no such delegation")
)

// Delegation is a directed, weighted edge from one agent to another.
type Delegation struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Scope     string    `json:"scope"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the delegation has lapsed at now.
// A zero ExpiresAt never lapses.
func (d Delegation) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// Covers reports whether the delegation applies to scope. An empty scope
// matches any delegation.
func (d Delegation) Covers(scope string) bool {
	return scope == "" || d.Scope == AnyScope || d.Scope == scope
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithMaxHops sets the longest path considered by EffectiveTrust and FindTrustPath.
func WithMaxHops(n int) GraphOption {
	return func(g *Graph) {
		if n > 0 {
			g.maxHops = n
		}
	}
}

// WithDecay sets the per-hop decay. Values outside (0,1] are ignored.
func WithDecay(d float64) GraphOption {
	return func(g *Graph) {
		if d > 0 && d <= 1 {
			g.decay = d
		}
	}
}

// WithGraphClock overrides the clock used for expiry.
func WithGraphClock(clock func() time.Time) GraphOption {
	return func(g *Graph) { g.clock = clock }
}

// WithGraphLogger sets the logger.
func WithGraphLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) { g.logger = l }
}

// Graph is the directed trust graph. At most one delegation exists per
// ordered pair of agents; delegating again replaces it.
type Graph struct {
	mu      sync.RWMutex
	edges   map[string]map[string]Delegation
	maxHops int
	decay   float64
	clock   func() time.Time
	logger  *slog.Logger
}

// NewGraph returns an empty graph.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		edges:   make(map[string]map[string]Delegation),
		maxHops: DefaultMaxHops,
		decay:   DefaultDecay,
		clock:   time.Now,
		logger:  slog.Default().With("component", "trust_graph"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Delegate adds or replaces the edge from -> to. A zero expiresAt never
// expires; an empty scope becomes AnyScope.
func (g *Graph) Delegate(from, to, scope string, weight float64, expiresAt time.Time) (Delegation, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return Delegation{}, ErrInvalidAgent
	}
	if from == to {
		return Delegation{}, ErrSelfDelegation
	}
	if math.IsNaN(weight) || weight < 0 || weight > 1 {
		return Delegation{}, fmt.Errorf("%w: %v", ErrInvalidWeight, weight)
	}
	if scope == "" {
		scope = AnyScope
	}

	d := Delegation{
		From:      from,
		To:        to,
		Scope:     scope,
		Weight:    weight,
		CreatedAt: g.clock().UTC(),
		ExpiresAt: expiresAt,
	}

	g.mu.Lock()
	out, ok := g.edges[from]
	if !ok {
		out = make(map[string]Delegation)
		g.edges[from] = out
	}
	out[to] = d
	g.mu.Unlock()

	g.logger.Debug("delegation recorded", "from", from, "to", to, "scope", scope, "weight", weight)
	return d, nil
}

// Revoke removes the edge from -> to. Revoking a missing edge returns ErrNoDelegation.
func (g *Graph) Revoke(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := g.edges[from]
	if _, ok := out[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrNoDelegation, from, to)
	}
	delete(out, to)
	if len(out) == 0 {
		delete(g.edges, from)
	}
	g.logger.Info("delegation revoked", "from", from, "to", to)
	return nil
}

// Delegation returns the live edge from -> to.
func (g *Graph) Delegation(from, to string) (Delegation, bool) {
	now := g.clock()
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.edges[from][to]
	if !ok || d.Expired(now) {
		return Delegation{}, false
	}
	return d, true
}

// Delegations returns every live edge leaving from, ordered by target.
func (g *Graph) Delegations(from string) []Delegation {
	now := g.clock()
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Delegation, 0, len(g.edges[from]))
	for _, to := range slices.Sorted(maps.Keys(g.edges[from])) {
		if d := g.edges[from][to]; !d.Expired(now) {
			out = append(out, d)
		}
	}
	return out
}

// DelegationsTo returns every live edge pointing at to, ordered by source.
func (g *Graph) DelegationsTo(to string) []Delegation {
	now := g.clock()
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Delegation
	for _, from := range slices.Sorted(maps.Keys(g.edges)) {
		if d, ok := g.edges[from][to]; ok && !d.Expired(now) {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of stored edges, expired ones included.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, out := range g.edges {
		n += len(out)
	}
	return n
}

// PruneExpired drops every lapsed edge and returns how many were removed.
func (g *Graph) PruneExpired() int {
	now := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for from, out := range g.edges {
		for to, d := range out {
			if d.Expired(now) {
				delete(out, to)
				removed++
			}
		}
		if len(out) == 0 {
			delete(g.edges, from)
		}
	}
	if removed > 0 {
		g.logger.Info("expired delegations pruned", "count", removed)
	}
	return removed
}

// EffectiveTrust is EffectiveTrustInScope with no scope restriction.
func (g *Graph) EffectiveTrust(from, to string) float64 {
	return g.EffectiveTrustInScope(from, to, "")
}

// EffectiveTrustInScope returns how much from trusts to for scope.
//
// A live direct edge yields its weight. Otherwise the result is the best
// decayed product over simple paths of at most maxHops edges, or 0 when
// no path exists. An agent trusts itself fully.
func (g *Graph) EffectiveTrustInScope(from, to, scope string) float64 {
	if from == to {
		return 1
	}
	now := g.clock()

	g.mu.RLock()
	defer g.mu.RUnlock()

	if d, ok := g.edges[from][to]; ok && !d.Expired(now) && d.Covers(scope) {
		return d.Weight
	}

	best := 0.0
	visited := map[string]bool{from: true}
	var walk func(node string, product float64, hops int)
	walk = func(node string, product float64, hops int) {
		if hops >= g.maxHops {
			return
		}
		for next, d := range g.edges[node] {
			if visited[next] || d.Expired(now) || !d.Covers(scope) {
				continue
			}
			value := product * d.Weight * math.Pow(g.decay, float64(hops))
			if value <= best {
				// weights and decay are <= 1: extending this path cannot beat best
				continue
			}
			if next == to {
				best = value
				continue
			}
			visited[next] = true
			walk(next, product*d.Weight, hops+1)
			delete(visited, next)
		}
	}
	walk(from, 1, 0)
	return best
}

// FindTrustPath returns the shortest chain of live delegations from -> to,
// endpoints included. Ties are broken by agent id so the result is stable.
func (g *Graph) FindTrustPath(from, to string) ([]string, bool) {
	if from == to {
		return []string{from}, true
	}
	now := g.clock()

	g.mu.RLock()
	defer g.mu.RUnlock()

	parent := map[string]string{from: ""}
	frontier := []string{from}
	for depth := 0; depth < g.maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			for _, child := range slices.Sorted(maps.Keys(g.edges[node])) {
				if _, seen := parent[child]; seen || g.edges[node][child].Expired(now) {
					continue
				}
				parent[child] = node
				if child == to {
					return buildPath(parent, from, to), true
				}
				next = append(next, child)
			}
		}
		frontier = next
	}
	return nil, false
}

func buildPath(parent map[string]string, from, to string) []string {
	path := []string{to}
	for node := to; node != from; {
		node = parent[node]
		path = append(path, node)
	}
	slices.Reverse(path)
	return path
}
