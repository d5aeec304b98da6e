package contract

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// ErrViolation matches every *Violation with errors.Is.
var ErrViolation = errors.New("contract violation")

// Rule names carried by violations and denied decisions.
const (
	RuleNoContract        = "no_contract"
	RuleInactive          = "contract_inactive"
	RuleNotParty          = "not_a_party"
	RuleNotSigned         = "not_signed"
	RuleProhibited        = "prohibited"
	RuleNoCapability      = "no_capability"
	RuleObligationOverdue = "obligation_overdue"
)

// Violation is a recoverable breach of contract terms.
type Violation struct {
	ContractID string              `json:"contract_id,omitempty"`
	Agent      string              `json:"agent"`
	Rule       string              `json:"rule"`
	Detail     string              `json:"detail"`
	Severity   interfaces.Severity `json:"severity"`
	At         time.Time           `json:"at"`
}

func (v *Violation) Error() string {
	if v.ContractID == "" {
		return fmt.Sprintf("contract violation by %s: %s: %s", v.Agent, v.Rule, v.Detail)
	}
	return fmt.Sprintf("contract %s violated by %s: %s: %s", v.ContractID, v.Agent, v.Rule, v.Detail)
}

// Is makes errors.Is(err, ErrViolation) hold for any *Violation.
func (v *Violation) Is(target error) bool { return target == ErrViolation }

// Alert converts the violation into a collaborator alert.
func (v *Violation) Alert() interfaces.Alert {
	return interfaces.Alert{
		Source:   "contract",
		Agent:    v.Agent,
		Rule:     v.Rule,
		Detail:   v.Detail,
		Severity: v.Severity,
		At:       v.At,
	}
}

func ruleSeverity(rule string) interfaces.Severity {
	switch rule {
	case RuleProhibited:
		return interfaces.SeverityHigh
	default:
		return interfaces.SeverityMedium
	}
}
