// Package merkle builds binary Merkle trees over ordered leaf hashes and
// issues and verifies inclusion proofs.
//
// Leaf and interior nodes are hashed with distinct domain prefixes so an
// interior node can never be presented as a leaf. Levels with an odd number
// of nodes are balanced by duplicating their last node.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	leafPrefix = "accord:merkle:leaf:v1\x00"
	nodePrefix = "accord:merkle:node:v1\x00"
)

var (
	ErrEmptyTree       = errors.New("merkle: tree has no leaves")
	ErrInvalidLeaf     = errors.New("merkle: leaf is not a hex sha256 digest")
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
	ErrInvalidProof    = errors.New("merkle: invalid inclusion proof")
)

// Tree is an immutable Merkle tree. levels[0] holds the leaf node hashes and
// the last level holds only the root.
type Tree struct {
	leaves []string
	levels [][]string
}

// New builds a tree over the ordered leaf hashes.
func New(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		b, err := decodeDigest(l)
		if err != nil {
			return nil, fmt.Errorf("%w: leaf %d", err, i)
		}
		level[i] = hashLeaf(b)
	}

	t := &Tree{leaves: append([]string(nil), leaves...)}
	for len(level) > 1 {
		t.levels = append(t.levels, level)
		level = buildNextLevel(level)
	}
	t.levels = append(t.levels, level)
	return t, nil
}

// Root computes the root over leaves without retaining the tree.
func Root(leaves []string) (string, error) {
	t, err := New(leaves)
	if err != nil {
		return "", err
	}
	return t.Root(), nil
}

func (t *Tree) Root() string { return t.levels[len(t.levels)-1][0] }

func (t *Tree) Len() int { return len(t.leaves) }

// Leaves returns a copy of the ordered leaf hashes.
func (t *Tree) Leaves() []string { return append([]string(nil), t.leaves...) }

// Depth is the number of proof steps for any leaf.
func (t *Tree) Depth() int { return len(t.levels) - 1 }

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes[:count:count], hashes[count-1])
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = hashNode(hashes[i], hashes[i+1])
	}
	return next
}

func hashLeaf(digest []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.Write(digest)
	return sha256Hex(buf.Bytes())
}

func hashNode(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func decodeDigest(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != sha256.Size {
		return nil, ErrInvalidLeaf
	}
	return b, nil
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
