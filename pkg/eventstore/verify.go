package eventstore

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/accord/pkg/identity"
)

// VerifyChain verifies a full chain starting at sequence 1 from GenesisHash.
// It returns an *IntegrityError for the first broken event, or nil.
func VerifyChain(events []Event) error {
	return VerifySegment(events, GenesisHash, 1)
}

// VerifySegment verifies a contiguous run of events whose first element must
// have sequence startSeq and prev_hash prevHash.
func VerifySegment(events []Event, prevHash string, startSeq uint64) error {
	expectedPrev := prevHash
	for i, e := range events {
		want := startSeq + uint64(i)
		if e.Sequence != want {
			return &IntegrityError{Index: i, Sequence: e.Sequence,
				Reason: fmt.Sprintf("sequence %d, expected %d", e.Sequence, want)}
		}
		if e.PrevHash != expectedPrev {
			return &IntegrityError{Index: i, Sequence: e.Sequence,
				Reason: fmt.Sprintf("prev_hash %s does not match %s", short(e.PrevHash), short(expectedPrev))}
		}
		computed, err := e.ComputeHash()
		if err != nil {
			return &IntegrityError{Index: i, Sequence: e.Sequence, Reason: err.Error()}
		}
		if computed != e.Hash {
			return &IntegrityError{Index: i, Sequence: e.Sequence,
				Reason: fmt.Sprintf("hash mismatch (computed %s, stored %s)", short(computed), short(e.Hash))}
		}
		expectedPrev = e.Hash
	}
	return nil
}

// VerifyChainIntegrity is the boolean form of VerifyChain. It returns the
// index of the first broken event, or -1 when the chain is intact.
func VerifyChainIntegrity(events []Event) (bool, int) {
	err := VerifyChain(events)
	if err == nil {
		return true, -1
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return false, ie.Index
	}
	return false, 0
}

// VerifySignatures checks every signed event against the registry. Unsigned
// events are skipped.
func VerifySignatures(events []Event, reg *identity.Registry) error {
	for i, e := range events {
		if !e.Signed() {
			continue
		}
		if err := VerifyEventSignature(e, reg); err != nil {
			return &IntegrityError{Index: i, Sequence: e.Sequence, Reason: err.Error(), Err: identity.ErrInvalidSignature}
		}
	}
	return nil
}

// VerifyEventSignature checks a single event's signature.
func VerifyEventSignature(e Event, reg *identity.Registry) error {
	if !e.Signed() {
		return fmt.Errorf("%w: event %d is unsigned", identity.ErrInvalidSignature, e.Sequence)
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature hex: %v", identity.ErrInvalidSignature, err)
	}
	msg, err := SigningBytes(e.Agent, e.Action, e.Payload)
	if err != nil {
		return err
	}
	return reg.VerifySignature(e.Agent, msg, sig)
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
