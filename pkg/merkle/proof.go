package merkle

import (
	"fmt"
	"strings"
)

// Proof side markers name where the sibling sits relative to the running hash.
const (
	SideLeft  = "L"
	SideRight = "R"
)

// Proof is a bottom-up inclusion proof for one leaf.
type Proof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"merkle_root"`
	Steps     []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the sibling path for leaf i.
func (t *Tree) Proof(i int) (Proof, error) {
	if i < 0 || i >= len(t.leaves) {
		return Proof{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(t.leaves))
	}
	p := Proof{LeafIndex: i, LeafHash: t.leaves[i], Root: t.Root()}
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		if idx%2 == 0 {
			sibling := idx + 1
			if sibling >= len(level) {
				sibling = idx
			}
			p.Steps = append(p.Steps, ProofStep{Side: SideRight, SiblingHash: level[sibling]})
		} else {
			p.Steps = append(p.Steps, ProofStep{Side: SideLeft, SiblingHash: level[idx-1]})
		}
		idx /= 2
	}
	return p, nil
}

// VerifyProof recomputes the path from leaf and compares it to the trusted root.
func VerifyProof(leaf string, proof Proof, root string) bool {
	return proof.verify(leaf, root) == nil
}

// Verify checks the proof against a trusted root, using the proof's own leaf.
func (p Proof) Verify(root string) error {
	return p.verify(p.LeafHash, root)
}

func (p Proof) verify(leaf, root string) error {
	if p.Root != "" && !strings.EqualFold(p.Root, root) {
		return fmt.Errorf("%w: proof is for root %s", ErrInvalidProof, p.Root)
	}
	digest, err := decodeDigest(leaf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	current := hashLeaf(digest)
	for i, step := range p.Steps {
		if _, err := decodeDigest(step.SiblingHash); err != nil {
			return fmt.Errorf("%w: step %d sibling", ErrInvalidProof, i)
		}
		switch step.Side {
		case SideLeft:
			current = hashNode(step.SiblingHash, current)
		case SideRight:
			current = hashNode(current, step.SiblingHash)
		default:
			return fmt.Errorf("%w: step %d side %q", ErrInvalidProof, i, step.Side)
		}
	}
	if !strings.EqualFold(current, root) {
		return fmt.Errorf("%w: computed root %s", ErrInvalidProof, current)
	}
	return nil
}
