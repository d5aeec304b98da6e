package contract

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/identity"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func twoParty() Terms {
	return Terms{
		Title:        "data sharing",
		Parties:      []Party{{Agent: "A", Role: "provider"}, {Agent: "B", Role: "consumer"}},
		Capabilities: []Rule{{Agent: "B", Action: "read"}},
		Prohibitions: []Rule{{Agent: "B", Action: "delete"}},
	}
}

func newTestRegistry(t *testing.T, clock *testClock, opts ...Option) *Registry {
	t.Helper()
	r, err := NewRegistry(append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return r
}

func activate(t *testing.T, r *Registry, c Contract) Contract {
	t.Helper()
	var err error
	for _, p := range c.Parties {
		c, err = r.Sign(c.ID, p.Agent)
		require.NoError(t, err)
	}
	require.Equal(t, StatusActive, c.Status)
	return c
}

func TestCreateValidation(t *testing.T) {
	r := newTestRegistry(t, newTestClock())

	cases := map[string]Terms{
		"no parties":      {},
		"duplicate party": {Parties: []Party{{Agent: "A"}, {Agent: "A"}}},
		"partial wildcard": {
			Parties:      []Party{{Agent: "A"}},
			Capabilities: []Rule{{Action: "re*d"}},
		},
		"rule for stranger": {
			Parties:      []Party{{Agent: "A"}},
			Prohibitions: []Rule{{Agent: "Z", Action: "x"}},
		},
		"obligation without deadline": {
			Parties:     []Party{{Agent: "A"}},
			Obligations: []Obligation{{ID: "o1", Agent: "A", Action: "report"}},
		},
		"bad window": {
			Parties:     []Party{{Agent: "A"}},
			Obligations: []Obligation{{ID: "o1", Agent: "A", Action: "ship", Trigger: "order", Within: "soon"}},
		},
	}
	for name, terms := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Create(terms)
			assert.ErrorIs(t, err, ErrInvalidContract)
		})
	}
	assert.Zero(t, r.Len())
}

func TestSignLifecycle(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock)

	c, err := r.Create(twoParty())
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, c.Status)
	assert.Len(t, c.ContentHash, 64)

	c, err = r.Sign(c.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, StatusSignedPartial, c.Status)

	again, err := r.Sign(c.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, c, again)

	_, err = r.Sign(c.ID, "C")
	assert.ErrorIs(t, err, ErrNotParty)

	clock.Advance(time.Minute)
	c, err = r.Sign(c.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, clock.Now(), c.ActivatedAt)

	_, err = r.Sign("missing", "A")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentSigningIsAtomic(t *testing.T) {
	r := newTestRegistry(t, newTestClock())
	c, err := r.Create(twoParty())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			_, err := r.Sign(c.ID, agent)
			assert.NoError(t, err)
		}([]string{"A", "B"}[i%2])
	}
	wg.Wait()

	got, err := r.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestSignWithIdentity(t *testing.T) {
	r := newTestRegistry(t, newTestClock())
	a, err := identity.Generate("A", nil)
	require.NoError(t, err)
	b, err := identity.Generate("B", nil)
	require.NoError(t, err)
	ids := identity.NewRegistry()
	require.NoError(t, ids.Register(a.Public()))
	require.NoError(t, ids.Register(b.Public()))

	c, err := r.Create(twoParty())
	require.NoError(t, err)
	_, err = r.SignWith(c.ID, a)
	require.NoError(t, err)
	c, err = r.SignWith(c.ID, b)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status)

	v := NewVerifier(r)
	require.NoError(t, v.VerifySignatures(c, ids))

	forged := c.Clone()
	forged.Parties[0].Signature = forged.Parties[1].Signature
	assert.ErrorIs(t, v.VerifySignatures(forged, ids), identity.ErrInvalidSignature)

	altered := c.Clone()
	altered.Capabilities = append(altered.Capabilities, Rule{Action: "**"})
	assert.ErrorIs(t, v.VerifySignatures(altered, ids), ErrTampered)
}

func TestTerminate(t *testing.T) {
	r := newTestRegistry(t, newTestClock())
	c, err := r.Create(twoParty())
	require.NoError(t, err)

	c, err = r.Terminate(c.ID, "superseded")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, c.Status)
	assert.Equal(t, "superseded", c.TerminationReason)

	_, err = r.Terminate(c.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = r.Sign(c.ID, "A")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFindContractsAndCleanup(t *testing.T) {
	clock := newTestClock()
	r := newTestRegistry(t, clock)

	short := twoParty()
	short.ExpiresAt = clock.Now().Add(time.Hour)
	c1, err := r.Create(short)
	require.NoError(t, err)
	activate(t, r, c1)

	_, err = r.Create(twoParty())
	require.NoError(t, err)

	other, err := r.Create(Terms{Parties: []Party{{Agent: "A"}, {Agent: "C"}}})
	require.NoError(t, err)
	activate(t, r, other)

	assert.Len(t, r.FindContracts("A", "B", false), 2)
	assert.Len(t, r.FindContracts("B", "A", true), 1)
	assert.Empty(t, r.FindContracts("B", "C", false))

	clock.Advance(2 * time.Hour)
	assert.Empty(t, r.FindContracts("A", "B", true))

	n, err := r.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := r.Get(c1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	n, err = r.CleanupExpired()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPersistenceRoundTrip(t *testing.T) {
	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "contracts.json")

	r := newTestRegistry(t, clock, WithStoragePath(path))
	assert.Zero(t, r.Len())

	terms := twoParty()
	terms.Obligations = []Obligation{{ID: "report", Agent: "A", Action: "report.monthly", Deadline: clock.Now().Add(24 * time.Hour)}}
	c, err := r.Create(terms)
	require.NoError(t, err)
	c = activate(t, r, c)

	reloaded := newTestRegistry(t, clock, WithStoragePath(path))
	got, err := reloaded.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestLoadRejectsTamperedFile(t *testing.T) {
	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "contracts.json")

	a, err := identity.Generate("A", nil)
	require.NoError(t, err)
	b, err := identity.Generate("B", nil)
	require.NoError(t, err)
	ids := identity.NewRegistry()
	require.NoError(t, ids.Register(a.Public()))
	require.NoError(t, ids.Register(b.Public()))

	r := newTestRegistry(t, clock, WithStoragePath(path))
	// record 0: unsigned draft
	_, err = r.Create(twoParty())
	require.NoError(t, err)
	// record 1: signed by both with keys, then terminated
	clock.Advance(time.Minute)
	ended, err := r.Create(twoParty())
	require.NoError(t, err)
	_, err = r.SignWith(ended.ID, a)
	require.NoError(t, err)
	_, err = r.SignWith(ended.ID, b)
	require.NoError(t, err)
	_, err = r.Terminate(ended.ID, "breach")
	require.NoError(t, err)

	pristine, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = NewRegistry(WithStoragePath(path), WithIdentities(ids))
	require.NoError(t, err)

	// rewrite edits the records; with reseal the record hash is recomputed
	// so only the consistency checks stand in the way.
	rewrite := func(t *testing.T, reseal bool, mutate func(recs []map[string]any)) {
		t.Helper()
		require.NoError(t, os.WriteFile(path, pristine, 0o600))
		var recs []map[string]any
		require.NoError(t, json.Unmarshal(pristine, &recs))
		require.Len(t, recs, 2)
		mutate(recs)
		if reseal {
			for _, rec := range recs {
				raw, err := json.Marshal(rec)
				require.NoError(t, err)
				var sr storedRecord
				require.NoError(t, json.Unmarshal(raw, &sr))
				rec["record_hash"], err = recordHash(sr.Contract)
				require.NoError(t, err)
			}
		}
		out, err := json.Marshal(recs)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, out, 0o600))
	}
	activateAll := func(recs []map[string]any) {
		for _, rec := range recs {
			rec["status"] = "active"
			for _, p := range rec["parties"].([]any) {
				p.(map[string]any)["signed"] = true
			}
		}
	}

	t.Run("altered terms", func(t *testing.T) {
		rewrite(t, false, func(recs []map[string]any) {
			recs[0]["prohibitions"] = []any{}
		})
		_, err := NewRegistry(WithStoragePath(path))
		assert.ErrorIs(t, err, ErrTampered)
	})

	t.Run("status and signed flags flipped", func(t *testing.T) {
		rewrite(t, false, activateAll)
		_, err := NewRegistry(WithStoragePath(path))
		assert.ErrorIs(t, err, ErrTampered)
	})

	t.Run("terminated contract revived with resealed hash", func(t *testing.T) {
		rewrite(t, true, func(recs []map[string]any) {
			recs[1]["status"] = "active"
		})
		_, err := NewRegistry(WithStoragePath(path))
		assert.ErrorIs(t, err, ErrTampered)
	})

	t.Run("unsigned draft activated with resealed hash", func(t *testing.T) {
		rewrite(t, true, func(recs []map[string]any) {
			activateAll(recs[:1])
		})
		_, err := NewRegistry(WithStoragePath(path))
		assert.ErrorIs(t, err, ErrTampered)
	})

	t.Run("signed flag cleared on active contract", func(t *testing.T) {
		rewrite(t, true, func(recs []map[string]any) {
			recs[1]["status"] = "signed-partial"
			delete(recs[1], "terminated_at")
			delete(recs[1], "activated_at")
			p := recs[1]["parties"].([]any)[0].(map[string]any)
			p["signed"] = false
		})
		_, err := NewRegistry(WithStoragePath(path))
		assert.ErrorIs(t, err, ErrTampered)
	})

	t.Run("swapped signatures", func(t *testing.T) {
		rewrite(t, true, func(recs []map[string]any) {
			parties := recs[1]["parties"].([]any)
			p0, p1 := parties[0].(map[string]any), parties[1].(map[string]any)
			p0["signature"], p1["signature"] = p1["signature"], p0["signature"]
		})
		_, err := NewRegistry(WithStoragePath(path))
		require.NoError(t, err, "signatures are only checked with an identity registry")

		_, err = NewRegistry(WithStoragePath(path), WithIdentities(ids))
		assert.ErrorIs(t, err, ErrTampered)
		assert.ErrorIs(t, err, identity.ErrInvalidSignature)
	})

	t.Run("incompatible version", func(t *testing.T) {
		rewrite(t, false, func(recs []map[string]any) {
			recs[0]["schema_version"] = "2.0.0"
		})
		_, err := NewRegistry(WithStoragePath(path))
		assert.ErrorIs(t, err, ErrInvalidContract)
	})

	t.Run("schema violation", func(t *testing.T) {
		rewrite(t, false, func(recs []map[string]any) {
			delete(recs[0], "record_hash")
		})
		_, err := NewRegistry(WithStoragePath(path))
		assert.ErrorIs(t, err, ErrInvalidContract)
	})
}
