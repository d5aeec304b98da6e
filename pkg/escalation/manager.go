// Package escalation provides the Escalation Manager, the human-in-the-loop
// review queue for verification failures the automated pipeline cannot
// settle on its own.
//
// An escalation starts OPEN with a severity. Each severity carries a review
// timeout; an OPEN escalation that reaches its timeout is re-escalated to the
// next severity and its timer restarts. At critical there is nowhere left to
// go: the first missed deadline marks the escalation overdue, sends one
// overdue digest and leaves the timer unarmed. Acknowledging stops the clock.
// RESOLVED and DISMISSED are terminal and produce a content-hashed Receipt.
package escalation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

var (
	ErrNotFound          = errors.New("escalation: not found")
	ErrInvalidTransition = errors.New("escalation: invalid transition")
	ErrClosed            = errors.New("escalation: manager closed")
)

// Status is the review state.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusDismissed    Status = "dismissed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusResolved || s == StatusDismissed }

// Request describes a new escalation.
type Request struct {
	Severity          interfaces.Severity
	Reason            string
	RecommendedAction string
	Source            string
	Agent             string
	Sequence          uint64
}

// Transition is one entry in an escalation's history.
type Transition struct {
	From     Status              `json:"from"`
	To       Status              `json:"to"`
	Severity interfaces.Severity `json:"severity"`
	Actor    string              `json:"actor,omitempty"`
	Note     string              `json:"note,omitempty"`
	At       time.Time           `json:"at"`
}

// Escalation is a review item.
type Escalation struct {
	ID                string              `json:"id"`
	Severity          interfaces.Severity `json:"severity"`
	Reason            string              `json:"reason"`
	RecommendedAction string              `json:"recommended_action,omitempty"`
	Source            string              `json:"source,omitempty"`
	Agent             string              `json:"agent,omitempty"`
	Sequence          uint64              `json:"sequence,omitempty"`
	Assignee          string              `json:"assignee,omitempty"`
	Status            Status              `json:"status"`
	Escalations       int                 `json:"escalations"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	Deadline          time.Time           `json:"deadline,omitzero"`
	Overdue           bool                `json:"overdue,omitempty"`
	AcknowledgedBy    string              `json:"acknowledged_by,omitempty"`
	ClosedBy          string              `json:"closed_by,omitempty"`
	Resolution        string              `json:"resolution,omitempty"`
	ClosedAt          time.Time           `json:"closed_at,omitzero"`
	History           []Transition        `json:"history"`
}

func (e *Escalation) clone() Escalation {
	out := *e
	out.History = slices.Clone(e.History)
	return out
}

// Receipt is the immutable record of a closed escalation.
type Receipt struct {
	ReceiptID    string              `json:"receipt_id"`
	EscalationID string              `json:"escalation_id"`
	Outcome      Status              `json:"outcome"`
	Severity     interfaces.Severity `json:"severity"`
	ClosedBy     string              `json:"closed_by"`
	Resolution   string              `json:"resolution,omitempty"`
	ClosedAt     time.Time           `json:"closed_at"`
	DurationMs   int64               `json:"duration_ms"`
	ContentHash  string              `json:"content_hash"`
}

type tracked struct {
	esc   Escalation
	timer Timer
	gen   uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy replaces the default severity policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithScheduler replaces the wall-clock timer source.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithNotifier adds a digest sink.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifiers = append(m.notifiers, n) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager handles the lifecycle of escalations.
type Manager struct {
	mu     sync.Mutex
	items  map[string]*tracked
	closed bool

	policy    Policy
	scheduler Scheduler
	notifiers []Notifier
	clock     func() time.Time
	logger    *slog.Logger
}

// NewManager creates a new escalation manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		items:     make(map[string]*tracked),
		policy:    DefaultPolicy(),
		scheduler: WallClock{},
		clock:     time.Now,
		logger:    slog.Default().With("component", "escalation"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a new escalation and starts its review timer.
func (m *Manager) Create(ctx context.Context, req Request) (Escalation, error) {
	if !req.Severity.Valid() {
		return Escalation{}, fmt.Errorf("escalation: unknown severity %q", req.Severity)
	}
	now := m.clock().UTC()
	route := m.policy.Route(req.Severity)

	t := &tracked{esc: Escalation{
		ID:                uuid.New().String(),
		Severity:          req.Severity,
		Reason:            req.Reason,
		RecommendedAction: cmp.Or(req.RecommendedAction, route.Action),
		Source:            req.Source,
		Agent:             req.Agent,
		Sequence:          req.Sequence,
		Assignee:          route.Assignee,
		Status:            StatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
		Deadline:          now.Add(route.Timeout),
		History:           []Transition{{To: StatusOpen, Severity: req.Severity, Note: req.Reason, At: now}},
	}}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Escalation{}, ErrClosed
	}
	m.items[t.esc.ID] = t
	m.armLocked(t, route.Timeout)
	out := t.esc.clone()
	m.mu.Unlock()

	m.logger.Warn("escalation opened", "escalation_id", out.ID, "severity", out.Severity, "agent", out.Agent, "reason", out.Reason)
	m.notify(ctx, DigestCreated, out)
	return out, nil
}

// armLocked (re)starts the review timer of t. Caller holds m.mu.
func (m *Manager) armLocked(t *tracked, d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen, id := t.gen, t.esc.ID
	t.timer = m.scheduler.AfterFunc(d, func() { m.onTimeout(id, gen) })
}

func (m *Manager) disarmLocked(t *tracked) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (m *Manager) onTimeout(id string, gen uint64) {
	m.mu.Lock()
	t, ok := m.items[id]
	if !ok || m.closed || t.gen != gen || t.esc.Status != StatusOpen {
		m.mu.Unlock()
		return
	}
	note := fmt.Sprintf("no response within %s", m.policy.Route(t.esc.Severity).Timeout)
	if t.esc.Severity.Next() == t.esc.Severity {
		out := m.overdueLocked(t, note)
		m.mu.Unlock()

		m.logger.Error("escalation overdue at highest severity", "escalation_id", id, "severity", out.Severity, "assignee", out.Assignee)
		m.notify(context.Background(), DigestOverdue, out)
		return
	}
	out := m.raiseLocked(t, "", note)
	m.mu.Unlock()

	m.logger.Warn("escalation timed out", "escalation_id", id, "severity", out.Severity, "escalations", out.Escalations)
	m.notify(context.Background(), DigestEscalated, out)
}

// overdueLocked flags t as overdue and leaves it unarmed. The severity and
// escalation count stay as they are.
func (m *Manager) overdueLocked(t *tracked, note string) Escalation {
	now := m.clock().UTC()
	m.disarmLocked(t)
	t.esc.Overdue = true
	t.esc.UpdatedAt = now
	t.esc.History = append(t.esc.History, Transition{From: t.esc.Status, To: t.esc.Status, Severity: t.esc.Severity, Note: "overdue: " + note, At: now})
	return t.esc.clone()
}

// raiseLocked moves t one severity up, reopens it and restarts the timer.
// At the ceiling the severity is kept and the count is not bumped.
func (m *Manager) raiseLocked(t *tracked, actor, note string) Escalation {
	now := m.clock().UTC()
	from := t.esc.Status
	if next := t.esc.Severity.Next(); next != t.esc.Severity {
		t.esc.Severity = next
		t.esc.Escalations++
	}
	route := m.policy.Route(t.esc.Severity)

	t.esc.Status = StatusOpen
	t.esc.Overdue = false
	t.esc.Assignee = route.Assignee
	t.esc.UpdatedAt = now
	t.esc.Deadline = now.Add(route.Timeout)
	t.esc.History = append(t.esc.History, Transition{From: from, To: StatusOpen, Severity: t.esc.Severity, Actor: actor, Note: note, At: now})
	m.armLocked(t, route.Timeout)
	return t.esc.clone()
}

func (m *Manager) transition(id string, allowed func(Status) bool, apply func(t *tracked, now time.Time)) (Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.items[id]
	if !ok {
		return Escalation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !allowed(t.esc.Status) {
		return t.esc.clone(), fmt.Errorf("%w: escalation %s is %s", ErrInvalidTransition, id, t.esc.Status)
	}
	apply(t, m.clock().UTC())
	return t.esc.clone(), nil
}

// Acknowledge records that a reviewer has taken the escalation. The
// timeout clock stops.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (Escalation, error) {
	out, err := m.transition(id,
		func(s Status) bool { return s == StatusOpen },
		func(t *tracked, now time.Time) {
			m.disarmLocked(t)
			t.esc.History = append(t.esc.History, Transition{From: t.esc.Status, To: StatusAcknowledged, Severity: t.esc.Severity, Actor: actor, At: now})
			t.esc.Status = StatusAcknowledged
			t.esc.AcknowledgedBy = actor
			t.esc.UpdatedAt = now
			t.esc.Deadline = time.Time{}
			t.esc.Overdue = false
		})
	if err == nil {
		m.notify(ctx, DigestAcknowledged, out)
	}
	return out, err
}

// Resolve closes the escalation with a resolution.
func (m *Manager) Resolve(ctx context.Context, id, actor, resolution string) (*Receipt, error) {
	return m.close(ctx, id, actor, resolution, StatusResolved)
}

// Dismiss closes the escalation as not requiring action.
func (m *Manager) Dismiss(ctx context.Context, id, actor, reason string) (*Receipt, error) {
	return m.close(ctx, id, actor, reason, StatusDismissed)
}

func (m *Manager) close(ctx context.Context, id, actor, note string, outcome Status) (*Receipt, error) {
	out, err := m.transition(id,
		func(s Status) bool { return !s.Terminal() },
		func(t *tracked, now time.Time) {
			m.disarmLocked(t)
			t.esc.History = append(t.esc.History, Transition{From: t.esc.Status, To: outcome, Severity: t.esc.Severity, Actor: actor, Note: note, At: now})
			t.esc.Status = outcome
			t.esc.ClosedBy = actor
			t.esc.Resolution = note
			t.esc.ClosedAt = now
			t.esc.UpdatedAt = now
			t.esc.Deadline = time.Time{}
		})
	if err != nil {
		return nil, err
	}
	receipt, err := newReceipt(out)
	if err != nil {
		return nil, err
	}
	m.logger.Info("escalation closed", "escalation_id", id, "outcome", outcome, "by", actor)
	kind := DigestResolved
	if outcome == StatusDismissed {
		kind = DigestDismissed
	}
	m.notify(ctx, kind, out)
	return receipt, nil
}

// EscalateFurther raises the severity by one level, reopens the escalation
// and restarts its timer. An open escalation already at the highest
// severity cannot be raised; an acknowledged one is reopened at that
// severity.
func (m *Manager) EscalateFurther(ctx context.Context, id, actor, reason string) (Escalation, error) {
	m.mu.Lock()
	t, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return Escalation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.esc.Status.Terminal() {
		out := t.esc.clone()
		m.mu.Unlock()
		return out, fmt.Errorf("%w: escalation %s is %s", ErrInvalidTransition, id, out.Status)
	}
	if t.esc.Status == StatusOpen && t.esc.Severity.Next() == t.esc.Severity {
		out := t.esc.clone()
		m.mu.Unlock()
		return out, fmt.Errorf("%w: escalation %s is already %s", ErrInvalidTransition, id, out.Severity)
	}
	out := m.raiseLocked(t, actor, reason)
	m.mu.Unlock()

	m.logger.Warn("escalation raised", "escalation_id", id, "severity", out.Severity, "by", actor)
	m.notify(ctx, DigestEscalated, out)
	return out, nil
}

// Get returns an escalation by id.
func (m *Manager) Get(id string) (Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return Escalation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.esc.clone(), nil
}

// Open returns every escalation that is not yet closed, most severe first,
// then oldest first.
func (m *Manager) Open() []Escalation {
	m.mu.Lock()
	var out []Escalation
	for _, t := range m.items {
		if !t.esc.Status.Terminal() {
			out = append(out, t.esc.clone())
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Escalation) int {
		if c := cmp.Compare(b.Severity.Rank(), a.Severity.Rank()); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Stats summarises the queue.
type Stats struct {
	Total           int                         `json:"total"`
	ByStatus        map[Status]int              `json:"by_status"`
	OpenBySeverity  map[interfaces.Severity]int `json:"open_by_severity"`
	Reescalations   int                         `json:"reescalations"`
	Overdue         int                         `json:"overdue"`
	MeanTimeToClose time.Duration               `json:"mean_time_to_close"`
	ArmedTimers     int                         `json:"armed_timers"`
}

// Statistics returns counters over every escalation the manager has seen.
func (m *Manager) Statistics() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:          len(m.items),
		ByStatus:       make(map[Status]int),
		OpenBySeverity: make(map[interfaces.Severity]int),
	}
	var closed int
	var spent time.Duration
	for _, t := range m.items {
		s.ByStatus[t.esc.Status]++
		s.Reescalations += t.esc.Escalations
		if t.timer != nil {
			s.ArmedTimers++
		}
		if t.esc.Status.Terminal() {
			closed++
			spent += t.esc.ClosedAt.Sub(t.esc.CreatedAt)
			continue
		}
		s.OpenBySeverity[t.esc.Severity]++
		if t.esc.Overdue {
			s.Overdue++
		}
	}
	if closed > 0 {
		s.MeanTimeToClose = spent / time.Duration(closed)
	}
	return s
}

// Close stops every timer. Existing escalations remain readable; no new
// ones can be created.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, t := range m.items {
		m.disarmLocked(t)
	}
}

func (m *Manager) notify(ctx context.Context, kind DigestKind, e Escalation) {
	if len(m.notifiers) == 0 {
		return
	}
	d := Digest{Kind: kind, Escalation: e, At: m.clock().UTC()}
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, d); err != nil {
			m.logger.Warn("escalation notifier failed", "escalation_id", e.ID, "kind", kind, "error", err)
		}
	}
}

func newReceipt(e Escalation) (*Receipt, error) {
	r := &Receipt{
		ReceiptID:    uuid.New().String(),
		EscalationID: e.ID,
		Outcome:      e.Status,
		Severity:     e.Severity,
		ClosedBy:     e.ClosedBy,
		Resolution:   e.Resolution,
		ClosedAt:     e.ClosedAt,
		DurationMs:   e.ClosedAt.Sub(e.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		EscalationID string              `json:"escalation_id"`
		Outcome      Status              `json:"outcome"`
		Severity     interfaces.Severity `json:"severity"`
		ClosedBy     string              `json:"closed_by"`
		Resolution   string              `json:"resolution"`
		ClosedAt     time.Time           `json:"closed_at"`
	}{e.ID, e.Status, e.Severity, e.ClosedBy, e.Resolution, e.ClosedAt}
	h, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return nil, err
	}
	r.ContentHash = "sha256:" + h
	return r, nil
}
