package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLJournal_SQLiteReplay(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	j := NewSQLJournal(db, DialectSQLite)
	require.NoError(t, j.Init(ctx))
	s, err := Open(ctx, j, WithClock(newStepClock().Now))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	appendN(t, s, "agent-a", 5)
	head := s.Head()
	require.NoError(t, s.Close(ctx))

	reopened, err := Open(ctx, NewSQLJournal(db, DialectSQLite))
	require.NoError(t, err)
	assert.Equal(t, 5, reopened.Len())
	assert.Equal(t, head, reopened.Head())
	require.NoError(t, reopened.VerifyChain())

	e, err := reopened.Append("agent-b", "act", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), e.Sequence)
	assert.Equal(t, head, e.PrevHash)
	require.NoError(t, reopened.Close(ctx))
}

func TestSQLJournal_SQLiteTamperDetectedOnOpen(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	j := NewSQLJournal(db, DialectSQLite)
	require.NoError(t, j.Init(ctx))
	s, err := Open(ctx, j)
	require.NoError(t, err)
	appendN(t, s, "agent-a", 5)
	require.NoError(t, s.Close(ctx))

	_, err = db.ExecContext(ctx, `UPDATE agent_events SET action = 'forged' WHERE sequence = 3`)
	require.NoError(t, err)

	j2 := NewSQLJournal(db, DialectSQLite)
	defer func() { _ = j2.Close() }()
	_, err = Open(ctx, j2)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Index)
	assert.Equal(t, uint64(3), ie.Sequence)
}

func TestSQLJournal_PostgresInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	j := NewSQLJournal(db, DialectPostgres)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := Event{Sequence: 1, Agent: "agent-a", Action: "ping", Payload: []byte(`{"n":1}`),
		Timestamp: ts, PrevHash: GenesisHash, Hash: "h1"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO agent_events (sequence, agent, action, payload, ts, prev_hash, hash, signature) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)")).
		WithArgs(int64(1), "agent-a", "ping", `{"n":1}`, "2026-01-02T03:04:05Z", GenesisHash, "h1", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	j.Write(e)
	require.NoError(t, j.Flush(context.Background()))
	require.NoError(t, j.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLJournal_RetriesFailedBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agent_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	j := NewSQLJournal(db, DialectPostgres)
	j.Write(Event{Sequence: 1, Agent: "a", Action: "b", Payload: []byte("null"), PrevHash: GenesisHash, Hash: "h"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = j.Flush(ctx)
	require.NoError(t, j.Flush(ctx))
	require.NoError(t, j.Close())
	require.NoError(t, mock.ExpectationsWereMet())

	j.mu.Lock()
	defer j.mu.Unlock()
	assert.Equal(t, uint64(1), j.failures)
}

func TestSQLJournal_PostgresLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"sequence", "agent", "action", "payload", "ts", "prev_hash", "hash", "signature"}).
		AddRow(int64(1), "agent-a", "ping", `{"n":1}`, "2026-01-02T03:04:05Z", GenesisHash, "h1", "")
	mock.ExpectQuery("SELECT sequence, agent, action, payload, ts, prev_hash, hash, signature FROM agent_events").
		WillReturnRows(rows)

	j := NewSQLJournal(db, DialectPostgres)
	defer func() { _ = j.Close() }()
	events, err := j.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ping", events[0].Action)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), events[0].Timestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("sqlite")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d)

	d, err = ParseDialect("postgres")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)

	_, err = ParseDialect("oracle")
	require.Error(t, err)
}
