// Package eventstore implements the append-only, hash-chained agent event log.
//
// Every event's hash covers a canonical RFC 8785 encoding of the ordered tuple
// [sequence, agent, action, payload, timestamp, prev_hash], so any retroactive
// edit to an event breaks its own hash and every link after it.
package eventstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
)

// GenesisHash is the prev_hash of the first event in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is a single immutable entry in the log.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Agent     string          `json:"agent"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	// Signature is the agent's optional hex Ed25519 signature over
	// SigningBytes(agent, action, payload). It is not part of the chain hash.
	Signature string `json:"signature,omitempty"`
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	e.Payload = bytes.Clone(e.Payload)
	return e
}

// Signed reports whether the event carries an agent signature.
func (e Event) Signed() bool { return e.Signature != "" }

// CanonicalBytes returns the canonical encoding hashed to produce e.Hash.
func (e Event) CanonicalBytes() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	tuple := []any{
		e.Sequence,
		e.Agent,
		e.Action,
		payload,
		formatTimestamp(e.Timestamp),
		e.PrevHash,
	}
	return canonicalize.JCS(tuple)
}

// ComputeHash recomputes the hash of e from its content fields.
func (e Event) ComputeHash() (string, error) {
	data, err := e.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("canonicalize event %d: %w", e.Sequence, err)
	}
	return canonicalize.HashBytes(data), nil
}

// SigningBytes is the message an agent signs to vouch for an action before
// it is sequenced. It excludes sequence, timestamp and prev_hash, which the
// agent cannot know in advance.
func SigningBytes(agent, action string, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return canonicalize.JCS([]any{agent, action, payload})
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
