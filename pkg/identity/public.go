package identity

import (
	"encoding/hex"
	"fmt"
)

// PublicRecord is the public-only export form of an identity.
type PublicRecord struct {
	ID        string            `json:"id"`
	PublicKey string            `json:"public_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Identity converts the record back into a verify-only Identity.
func (p PublicRecord) Identity() (*Identity, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrInvalidKey)
	}
	pub, err := hex.DecodeString(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key hex: %v", ErrInvalidKey, err)
	}
	return FromPublicKey(p.ID, pub, p.Metadata)
}
