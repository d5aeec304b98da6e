//go:build property
// +build property

package eventstore

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: an untouched chain verifies, and changing the action of any one
// event is reported at exactly that event's index.
func TestChainTamperProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tampering is detected at the tampered index", prop.ForAll(
		func(actions []string, pick int) bool {
			s := New()
			for _, a := range actions {
				if _, err := s.Append("agent-p", "act-"+a, a); err != nil {
					return false
				}
			}
			events := s.Snapshot().Events()
			if ok, idx := VerifyChainIntegrity(events); !ok || idx != -1 {
				return false
			}

			i := pick % len(events)
			events[i].Action += "-tampered"
			ok, idx := VerifyChainIntegrity(events)
			return !ok && idx == i
		},
		gen.SliceOfN(12, gen.AlphaString()).SuchThat(func(v []string) bool { return len(v) > 0 }),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
