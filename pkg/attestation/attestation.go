// Package attestation manages third-party attestations about agents. An
// attestation is requested, then fulfilled by its issuer as an EdDSA-signed
// JWT that anyone holding the issuer's public identity can verify.
package attestation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/accord/pkg/identity"
)

var (
	ErrNotFound     = errors.New("attestation not found")
	ErrInvalidState = errors.New("attestation is not in the required state")
	ErrWrongIssuer  = errors.New("attestation issuer mismatch")
	ErrExpired      = errors.New("attestation expired")
	ErrRevoked      = errors.New("attestation revoked")
	ErrInvalidToken = errors.New("attestation token invalid")
)

type Status string

const (
	StatusRequested Status = "requested"
	StatusValid     Status = "valid"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// Attestation is an issuer's signed statement that Subject satisfies Claim.
type Attestation struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Claim        string    `json:"claim"`
	Issuer       string    `json:"issuer"`
	RequestedBy  string    `json:"requested_by"`
	Status       Status    `json:"status"`
	Token        string    `json:"token,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
	IssuedAt     time.Time `json:"issued_at,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}

// Valid reports whether the attestation is fulfilled and unexpired at now.
func (a Attestation) Valid(now time.Time) bool {
	return a.Status == StatusValid && (a.ExpiresAt.IsZero() || now.Before(a.ExpiresAt))
}

// Claims is the JWT body of a fulfilled attestation.
type Claims struct {
	jwt.RegisteredClaims
	Claim string `json:"claim"`
}

// Registry tracks attestation requests and their fulfilment.
type Registry struct {
	mu      sync.RWMutex
	items   map[string]*Attestation
	issuers *identity.Registry
	clock   func() time.Time
	logger  *slog.Logger
}

// NewRegistry verifies issuer signatures against issuers.
func NewRegistry(issuers *identity.Registry) *Registry {
	return &Registry{
		items:   make(map[string]*Attestation),
		issuers: issuers,
		clock:   time.Now,
		logger:  slog.Default().With("component", "attestation"),
	}
}

// WithClock overrides the time source. Intended for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Request records a pending attestation that issuer is asked to fulfil.
func (r *Registry) Request(subject, claim, issuer, requestedBy string) (Attestation, error) {
	if subject == "" || claim == "" || issuer == "" {
		return Attestation{}, fmt.Errorf("attestation request requires subject, claim and issuer")
	}
	a := &Attestation{
		ID:          uuid.New().String(),
		Subject:     subject,
		Claim:       claim,
		Issuer:      issuer,
		RequestedBy: requestedBy,
		Status:      StatusRequested,
		RequestedAt: r.clock().UTC(),
	}
	r.mu.Lock()
	r.items[a.ID] = a
	r.mu.Unlock()
	r.logger.Info("attestation requested", "id", a.ID, "subject", subject, "claim", claim, "issuer", issuer)
	return *a, nil
}

// Fulfill signs the requested attestation with the issuer's key.
func (r *Registry) Fulfill(id string, issuer *identity.Identity, ttl time.Duration) (Attestation, error) {
	if !issuer.HasPrivateKey() {
		return Attestation{}, identity.ErrNoPrivateKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.items[id]
	if !ok {
		return Attestation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Status != StatusRequested {
		return Attestation{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, a.Status)
	}
	if a.Issuer != issuer.ID() {
		return Attestation{}, fmt.Errorf("%w: requested %s, got %s", ErrWrongIssuer, a.Issuer, issuer.ID())
	}

	now := r.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       a.ID,
			Subject:  a.Subject,
			Issuer:   issuer.ID(),
			IssuedAt: jwt.NewNumericDate(now),
		},
		Claim: a.Claim,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
		a.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = issuer.ID()
	signed, err := token.SignedString(issuer.PrivateKey())
	if err != nil {
		return Attestation{}, fmt.Errorf("sign attestation: %w", err)
	}

	a.Token = signed
	a.Status = StatusValid
	a.IssuedAt = claims.IssuedAt.Time.UTC()
	r.logger.Info("attestation fulfilled", "id", a.ID, "issuer", a.Issuer)
	return *a, nil
}

// Verify checks the stored attestation's state, expiry and issuer signature.
// An attestation found expired is marked so.
func (r *Registry) Verify(id string) (Attestation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.items[id]
	if !ok {
		return Attestation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch a.Status {
	case StatusRevoked:
		return *a, fmt.Errorf("%w: %s", ErrRevoked, a.RevokeReason)
	case StatusExpired:
		return *a, ErrExpired
	case StatusRequested:
		return *a, fmt.Errorf("%w: not fulfilled", ErrInvalidState)
	}

	claims, err := r.VerifyToken(a.Token)
	if errors.Is(err, ErrExpired) {
		a.Status = StatusExpired
		return *a, err
	}
	if err != nil {
		return *a, err
	}
	if claims.ID != a.ID || claims.Subject != a.Subject || claims.Claim != a.Claim || claims.Issuer != a.Issuer {
		return *a, fmt.Errorf("%w: token does not match record", ErrInvalidToken)
	}
	return *a, nil
}

// VerifyToken verifies a serialized attestation independently of any stored
// record, resolving the issuer key through the identity registry.
func (r *Registry) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*Claims)
		if !ok || c.Issuer == "" {
			return nil, fmt.Errorf("missing issuer")
		}
		issuer, ok := r.issuers.Get(c.Issuer)
		if !ok {
			return nil, fmt.Errorf("%w: %s", identity.ErrUnknownAgent, c.Issuer)
		}
		return issuer.PublicKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(r.clock),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Revoke invalidates an attestation.
func (r *Registry) Revoke(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Status = StatusRevoked
	a.RevokeReason = reason
	r.logger.Warn("attestation revoked", "id", id, "reason", reason)
	return nil
}

// Expire marks every valid attestation past its expiry as expired and
// returns how many changed.
func (r *Registry) Expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.items {
		if a.Status == StatusValid && !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt) {
			a.Status = StatusExpired
			n++
		}
	}
	return n
}

// Get returns a copy of an attestation.
func (r *Registry) Get(id string) (Attestation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return Attestation{}, false
	}
	return *a, true
}

// ForSubject lists attestations about subject, oldest request first.
func (r *Registry) ForSubject(subject string) []Attestation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Attestation
	for _, a := range r.items {
		if a.Subject == subject {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// HasValid reports whether subject holds a currently valid attestation for claim.
func (r *Registry) HasValid(subject, claim string) bool {
	now := r.clock()
	for _, a := range r.ForSubject(subject) {
		if a.Claim == claim && a.Valid(now) {
			return true
		}
	}
	return false
}
