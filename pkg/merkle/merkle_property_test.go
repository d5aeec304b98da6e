//go:build property
// +build property

package merkle

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: every leaf's proof verifies against the root, and fails once
// the leaf is replaced.
func TestMerkleProofProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("proofs round-trip and detect mutation", prop.ForAll(
		func(words []string) bool {
			leaves := make([]string, len(words))
			for i, w := range words {
				leaves[i] = digest(w)
			}
			tree, err := New(leaves)
			if err != nil {
				return false
			}
			for i := range leaves {
				p, err := tree.Proof(i)
				if err != nil || !VerifyProof(leaves[i], p, tree.Root()) {
					return false
				}
				if leaves[i] != digest("mutant") && VerifyProof(digest("mutant"), p, tree.Root()) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()).SuchThat(func(v []string) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}
