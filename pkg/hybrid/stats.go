package hybrid

import (
	"github.com/Mindburn-Labs/accord/pkg/escalation"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/policy"
)

// Stats is a point-in-time summary of the whole system.
type Stats struct {
	Events          int              `json:"events"`
	ChainHead       string           `json:"chain_head"`
	Recorded        map[Level]int    `json:"recorded"`
	Verified        int              `json:"verified"`
	Failed          int              `json:"failed"`
	Messages        int              `json:"messages"`
	MessagesDenied  int              `json:"messages_denied"`
	Agents          int              `json:"agents"`
	RatedAgents     int              `json:"rated_agents"`
	Delegations     int              `json:"delegations"`
	Contracts       int              `json:"contracts"`
	ActiveContracts int              `json:"active_contracts"`
	Anchors         int              `json:"anchors"`
	PendingAnchor   int              `json:"pending_anchor"`
	AnchorBackend   string           `json:"anchor_backend"`
	Policy          policy.Stats     `json:"policy"`
	Escalations     escalation.Stats `json:"escalations"`
}

// GetStats collects counters from every component.
func (s *System) GetStats() Stats {
	now := s.clock()
	st := Stats{
		Events:        s.store.Len(),
		ChainHead:     s.store.Head(),
		Agents:        s.identities.Len(),
		RatedAgents:   len(s.reputation.Rankings()),
		Delegations:   s.graph.Len(),
		Contracts:     s.contracts.Len(),
		Anchors:       len(s.anchors.Anchors()),
		PendingAnchor: s.anchors.Pending(),
		AnchorBackend: s.anchors.BackendName(),
		Policy:        s.monitor.Stats(),
		Escalations:   s.escalations.Statistics(),
	}
	for _, c := range s.contracts.List() {
		if c.ActiveAt(now) {
			st.ActiveContracts++
		}
	}

	s.mu.Lock()
	st.Recorded = make(map[Level]int, len(s.counts.recorded))
	for l, n := range s.counts.recorded {
		st.Recorded[l] = n
	}
	st.Verified = s.counts.verified
	st.Failed = s.counts.failed
	st.Messages = s.counts.messages
	st.MessagesDenied = s.counts.denied
	s.mu.Unlock()
	return st
}

// ExportAuditLog exports the self-verifying bundle for events [from, to].
// Zero bounds select the start and end of the log.
func (s *System) ExportAuditLog(from, to uint64) (*eventstore.AuditLog, error) {
	return s.store.ExportAuditLog(from, to)
}
