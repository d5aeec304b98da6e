package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Journal persists appended events. Write must not block on I/O; durable
// writes happen asynchronously and Flush waits for them.
type Journal interface {
	Write(e Event)
	Flush(ctx context.Context) error
	Load(ctx context.Context) ([]Event, error)
	Close() error
}

// Dialect selects placeholder syntax and DDL for SQLJournal.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a database/sql driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "pgx", "pq":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported journal driver %q", driver)
	}
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS agent_events (
	sequence BIGINT PRIMARY KEY,
	agent TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT NOT NULL,
	ts TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT ''
);
`

const (
	journalMaxBackoff  = 5 * time.Second
	journalBaseBackoff = 50 * time.Millisecond
)

// SQLJournal is a write-behind journal over database/sql. A single background
// writer drains the queue in batches, one transaction per batch. Failed
// batches stay at the head of the queue and are retried with backoff.
type SQLJournal struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	inflight int
	failures uint64
	lastErr  error
	closed   bool
	done     chan struct{}
	wake     chan struct{}
}

// NewSQLJournal starts the background writer. Call Init before the first
// Write if the table may not exist.
func NewSQLJournal(db *sql.DB, dialect Dialect) *SQLJournal {
	j := &SQLJournal{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "eventstore_journal", "dialect", string(dialect)),
		done:    make(chan struct{}),
		wake:    make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)
	go j.run()
	return j
}

// Init creates the journal table.
func (j *SQLJournal) Init(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, journalSchema); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// Write enqueues e for persistence.
func (j *SQLJournal) Write(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		j.logger.Warn("write after close dropped", "sequence", e.Sequence)
		return
	}
	j.queue = append(j.queue, e)
	j.cond.Broadcast()
}

// Flush blocks until everything written so far is persisted, a batch fails,
// or ctx is done.
func (j *SQLJournal) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		j.mu.Lock()
		j.cond.Broadcast()
		j.mu.Unlock()
	})
	defer stop()

	j.mu.Lock()
	defer j.mu.Unlock()
	startFailures := j.failures
	for len(j.queue) > 0 || j.inflight > 0 {
		if j.failures > startFailures {
			return j.lastErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if j.closed {
			return ErrClosed
		}
		j.cond.Wait()
	}
	return nil
}

// Close stops the writer after one final drain attempt.
func (j *SQLJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.cond.Broadcast()
	close(j.wake)
	j.mu.Unlock()

	<-j.done

	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.queue) > 0 {
		return fmt.Errorf("journal closed with %d unpersisted events: %w", len(j.queue), j.lastErr)
	}
	return nil
}

func (j *SQLJournal) run() {
	defer close(j.done)
	attempt := 0
	for {
		j.mu.Lock()
		for len(j.queue) == 0 && !j.closed {
			j.cond.Wait()
		}
		if len(j.queue) == 0 && j.closed {
			j.mu.Unlock()
			return
		}
		batch := j.queue
		j.queue = nil
		j.inflight = len(batch)
		closing := j.closed
		j.mu.Unlock()

		err := j.writeBatch(context.Background(), batch)

		j.mu.Lock()
		j.inflight = 0
		if err != nil {
			j.queue = append(batch, j.queue...)
			j.failures++
			j.lastErr = err
			j.logger.Warn("journal batch failed", "events", len(batch), "attempt", attempt+1, "error", err)
		} else {
			attempt = 0
		}
		j.cond.Broadcast()
		j.mu.Unlock()

		if err != nil {
			if closing {
				return
			}
			select {
			case <-time.After(journalBackoff(attempt)):
			case <-j.wake:
			}
			attempt++
		}
	}
}

func journalBackoff(attempt int) time.Duration {
	d := journalBaseBackoff << min(attempt, 10)
	return min(d, journalMaxBackoff)
}

func (j *SQLJournal) writeBatch(ctx context.Context, batch []Event) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	query := j.insertQuery()
	for _, e := range batch {
		if _, err := tx.ExecContext(ctx, query,
			int64(e.Sequence), e.Agent, e.Action, string(e.Payload),
			formatTimestamp(e.Timestamp), e.PrevHash, e.Hash, e.Signature,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert sequence %d: %w", e.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (j *SQLJournal) insertQuery() string {
	cols := "sequence, agent, action, payload, ts, prev_hash, hash, signature"
	ph := make([]string, 8)
	for i := range ph {
		if j.dialect == DialectPostgres {
			ph[i] = "$" + strconv.Itoa(i+1)
		} else {
			ph[i] = "?"
		}
	}
	return "INSERT INTO agent_events (" + cols + ") VALUES (" + strings.Join(ph, ", ") + ")"
}

// Load reads every persisted event in sequence order.
func (j *SQLJournal) Load(ctx context.Context) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT sequence, agent, action, payload, ts, prev_hash, hash, signature FROM agent_events ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			seq     int64
			payload string
			ts      string
		)
		if err := rows.Scan(&seq, &e.Agent, &e.Action, &payload, &ts, &e.PrevHash, &e.Hash, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Payload = []byte(payload)
		if e.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("journal sequence %d: bad timestamp: %w", seq, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
