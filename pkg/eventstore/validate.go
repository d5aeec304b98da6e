package eventstore

import (
	"encoding/json"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
)

const (
	maxIdentifierLen = 256
	// MaxPayloadBytes bounds the canonical payload size accepted by Append.
	MaxPayloadBytes = 1 << 20
)

// Record is an append request before it is sequenced.
type Record struct {
	Agent     string
	Action    string
	Payload   any
	Signature string
}

// normalize validates r and returns the NFC agent and action plus the
// canonical payload. Nothing is appended when this fails.
func (r Record) normalize() (agent, action string, payload json.RawMessage, err error) {
	agent, err = normalizeIdentifier("agent", r.Agent)
	if err != nil {
		return "", "", nil, err
	}
	action, err = normalizeIdentifier("action", r.Action)
	if err != nil {
		return "", "", nil, err
	}

	var raw []byte
	switch p := r.Payload.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			raw = []byte("null")
		} else {
			raw, err = canonicalize.Transform(p)
		}
	case []byte:
		return "", "", nil, &ValidationError{Field: "payload", Reason: "raw bytes are not a JSON value; use json.RawMessage"}
	default:
		raw, err = canonicalize.JCS(p)
	}
	if err != nil {
		return "", "", nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if len(raw) > MaxPayloadBytes {
		return "", "", nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("%d bytes exceeds limit %d", len(raw), MaxPayloadBytes)}
	}
	return agent, action, raw, nil
}

func normalizeIdentifier(field, s string) (string, error) {
	if s == "" {
		return "", &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if !utf8.ValidString(s) {
		return "", &ValidationError{Field: field, Reason: "invalid UTF-8"}
	}
	s = canonicalize.NFC(s)
	if len(s) > maxIdentifierLen {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d bytes", maxIdentifierLen)}
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", &ValidationError{Field: field, Reason: "contains control characters"}
		}
	}
	return s, nil
}
