package attestation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/identity"
)

type testEnv struct {
	now      time.Time
	issuer   *identity.Identity
	registry *Registry
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer, err := identity.Generate("auditor", nil)
	require.NoError(t, err)
	ids := identity.NewRegistry()
	require.NoError(t, ids.Register(issuer))
	env.issuer = issuer
	env.registry = NewRegistry(ids).WithClock(func() time.Time { return env.now })
	return env
}

func TestRequestFulfillVerify(t *testing.T) {
	env := newEnv(t)
	req, err := env.registry.Request("agent-b", "kyc:passed", "auditor", "agent-a")
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, req.Status)

	_, err = env.registry.Verify(req.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	got, err := env.registry.Fulfill(req.ID, env.issuer, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, got.Status)
	assert.Equal(t, 3, strings.Count(got.Token, ".")+1)
	assert.Equal(t, env.now.Add(time.Hour), got.ExpiresAt)

	verified, err := env.registry.Verify(req.ID)
	require.NoError(t, err)
	assert.True(t, verified.Valid(env.now))
	assert.True(t, env.registry.HasValid("agent-b", "kyc:passed"))
	assert.False(t, env.registry.HasValid("agent-b", "other"))

	claims, err := env.registry.VerifyToken(got.Token)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", claims.Subject)
	assert.Equal(t, "kyc:passed", claims.Claim)
}

func TestFulfill_Guards(t *testing.T) {
	env := newEnv(t)
	req, err := env.registry.Request("agent-b", "kyc:passed", "auditor", "agent-a")
	require.NoError(t, err)

	impostor, err := identity.Generate("impostor", nil)
	require.NoError(t, err)
	_, err = env.registry.Fulfill(req.ID, impostor, time.Hour)
	require.ErrorIs(t, err, ErrWrongIssuer)

	_, err = env.registry.Fulfill(req.ID, env.issuer.Public(), time.Hour)
	require.ErrorIs(t, err, identity.ErrNoPrivateKey)

	_, err = env.registry.Fulfill("missing", env.issuer, time.Hour)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = env.registry.Fulfill(req.ID, env.issuer, time.Hour)
	require.NoError(t, err)
	_, err = env.registry.Fulfill(req.ID, env.issuer, time.Hour)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = env.registry.Request("", "c", "auditor", "a")
	require.Error(t, err)
}

func TestVerify_ExpiryMarksExpired(t *testing.T) {
	env := newEnv(t)
	req, err := env.registry.Request("agent-b", "kyc:passed", "auditor", "agent-a")
	require.NoError(t, err)
	_, err = env.registry.Fulfill(req.ID, env.issuer, time.Minute)
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Minute)
	_, err = env.registry.Verify(req.ID)
	require.ErrorIs(t, err, ErrExpired)

	got, ok := env.registry.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
	assert.False(t, env.registry.HasValid("agent-b", "kyc:passed"))
}

func TestExpire_Sweep(t *testing.T) {
	env := newEnv(t)
	for _, ttl := range []time.Duration{time.Minute, time.Hour, 0} {
		req, err := env.registry.Request("agent-b", "claim", "auditor", "agent-a")
		require.NoError(t, err)
		_, err = env.registry.Fulfill(req.ID, env.issuer, ttl)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, env.registry.Expire(env.now.Add(10*time.Minute)))
	assert.Equal(t, 0, env.registry.Expire(env.now.Add(10*time.Minute)))
	assert.Equal(t, 1, env.registry.Expire(env.now.Add(2*time.Hour)))
	assert.Len(t, env.registry.ForSubject("agent-b"), 3)
}

func TestRevoke(t *testing.T) {
	env := newEnv(t)
	req, err := env.registry.Request("agent-b", "kyc:passed", "auditor", "agent-a")
	require.NoError(t, err)
	_, err = env.registry.Fulfill(req.ID, env.issuer, 0)
	require.NoError(t, err)

	require.NoError(t, env.registry.Revoke(req.ID, "fraud"))
	_, err = env.registry.Verify(req.ID)
	require.ErrorIs(t, err, ErrRevoked)
	require.ErrorIs(t, env.registry.Revoke("missing", "x"), ErrNotFound)
}

func TestVerifyToken_RejectsForeignAndTamperedTokens(t *testing.T) {
	env := newEnv(t)
	req, err := env.registry.Request("agent-b", "kyc:passed", "auditor", "agent-a")
	require.NoError(t, err)
	got, err := env.registry.Fulfill(req.ID, env.issuer, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(got.Token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	_, err = env.registry.VerifyToken(parts[0] + "." + parts[1] + "." + string(sig))
	require.ErrorIs(t, err, ErrInvalidToken)

	other := NewRegistry(identity.NewRegistry()).WithClock(func() time.Time { return env.now })
	_, err = other.VerifyToken(got.Token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
