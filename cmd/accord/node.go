package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/accord/pkg/anchor"
	"github.com/Mindburn-Labs/accord/pkg/config"
	"github.com/Mindburn-Labs/accord/pkg/contract"
	"github.com/Mindburn-Labs/accord/pkg/escalation"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/hybrid"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/observability"
	"github.com/Mindburn-Labs/accord/pkg/policy"
	"github.com/Mindburn-Labs/accord/pkg/trust"

	_ "github.com/lib/pq"  // postgres journal
	_ "modernc.org/sqlite" // sqlite journal
)

// maxPayloadBytes is the payload_size policy applied by every node.
const maxPayloadBytes = 64 << 10

// node is a fully wired hybrid system plus the resources it owns.
type node struct {
	sys       *hybrid.System
	store     *eventstore.Store
	telemetry *observability.Provider
	closers   []func(ctx context.Context) error
}

// Close releases everything in reverse order of acquisition.
func (n *node) Close(ctx context.Context) error {
	if n.sys != nil {
		n.sys.Close()
	}
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *node) onClose(fn func(ctx context.Context) error) {
	n.closers = append(n.closers, fn)
}

// driverName maps a journal dialect to its registered database/sql driver.
func driverName(d eventstore.Dialect) string {
	if d == eventstore.DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// openJournal opens the database named by url and prepares the journal table.
func openJournal(ctx context.Context, driver, url string) (*eventstore.SQLJournal, *sql.DB, error) {
	dialect, err := eventstore.ParseDialect(driver)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(driverName(dialect), url)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect %s database: %w", dialect, err)
	}
	j := eventstore.NewSQLJournal(db, dialect)
	if err := j.Init(ctx); err != nil {
		_ = j.Close()
		_ = db.Close()
		return nil, nil, err
	}
	return j, db, nil
}

// openStore replays the journal at url into a verified store.
func openStore(ctx context.Context, driver, url string) (*eventstore.Store, func(context.Context) error, error) {
	j, db, err := openJournal(ctx, driver, url)
	if err != nil {
		return nil, nil, err
	}
	store, err := eventstore.Open(ctx, j)
	if err != nil {
		_ = j.Close()
		_ = db.Close()
		return nil, nil, err
	}
	closeFn := func(ctx context.Context) error {
		return errors.Join(store.Close(ctx), db.Close())
	}
	return store, closeFn, nil
}

func anchorBackend(ctx context.Context, cfg config.AnchorConfig) (anchor.Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", config.BackendLocal:
		return nil, nil
	case config.BackendS3:
		return anchor.NewS3Anchor(ctx, anchor.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case config.BackendGCS:
		return anchor.NewGCSAnchor(ctx, anchor.GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	case config.BackendRedis:
		return anchor.NewRedisAnchorFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown anchor backend %q", cfg.Backend)
	}
}

func escalationPolicy(cfg config.EscalationConfig) escalation.Policy {
	p := escalation.DefaultPolicy()
	for sev, d := range cfg.Timeouts {
		r := p.Route(sev)
		r.Timeout = d
		p[sev] = r
	}
	return p
}

func telemetryConfig(cfg config.TelemetryConfig) *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = cfg.Enabled
	oc.ServiceName = cfg.ServiceName
	oc.Environment = cfg.Environment
	oc.OTLPEndpoint = cfg.OTLPEndpoint
	oc.Insecure = cfg.Insecure
	oc.SampleRate = cfg.SampleRate
	return oc
}

// newNode assembles a hybrid system from cfg. With persist set, events are
// journaled to cfg.DatabaseURL and the existing log is replayed first.
func newNode(ctx context.Context, cfg *config.Config, persist bool, extra ...hybrid.Option) (n *node, err error) {
	n = &node{}
	defer func() {
		if err != nil {
			_ = n.Close(ctx)
			n = nil
		}
	}()

	if persist {
		store, closeFn, err := openStore(ctx, cfg.JournalDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		n.store = store
		n.onClose(closeFn)
	} else {
		n.store = eventstore.New()
	}

	if cfg.Telemetry.Enabled {
		p, err := observability.New(ctx, telemetryConfig(cfg.Telemetry))
		if err != nil {
			return nil, err
		}
		n.telemetry = p
		n.onClose(p.Shutdown)
	}

	backend, err := anchorBackend(ctx, cfg.Anchor)
	if err != nil {
		return nil, err
	}
	anchorOpts := []anchor.Option{
		anchor.WithThreshold(cfg.Anchor.Threshold),
		anchor.WithSubmitTimeout(cfg.Anchor.SubmitTimeout),
		anchor.WithRateLimit(cfg.Anchor.RateLimit, 1),
	}
	if backend != nil {
		anchorOpts = append(anchorOpts, anchor.WithBackend(backend))
	}
	anchors := anchor.NewService(anchorOpts...)
	if backend != nil {
		anchors.Start(ctx)
	}

	escOpts := []escalation.Option{escalation.WithPolicy(escalationPolicy(cfg.Escalation))}
	if cfg.Escalation.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Escalation.RedisAddr})
		n.onClose(func(context.Context) error { return client.Close() })
		escOpts = append(escOpts, escalation.WithNotifier(escalation.NewRedisNotifier(client, cfg.Escalation.RedisChannel)))
	}

	ids := identity.NewRegistry()
	regOpts := []contract.Option{contract.WithIdentities(ids)}
	if cfg.ContractsPath != "" {
		regOpts = append(regOpts, contract.WithStoragePath(cfg.ContractsPath))
	}
	contracts, err := contract.NewRegistry(regOpts...)
	if err != nil {
		return nil, err
	}

	monitor, err := policy.NewMonitor([]policy.Verifier{policy.PayloadSizeLimit{MaxBytes: maxPayloadBytes}})
	if err != nil {
		return nil, err
	}

	level, err := hybrid.ParseLevel(cfg.VerificationLevel)
	if err != nil {
		return nil, err
	}

	opts := []hybrid.Option{
		hybrid.WithStore(n.store),
		hybrid.WithIdentities(ids),
		hybrid.WithTrustGraph(trust.NewGraph(trust.WithMaxHops(cfg.Trust.MaxHops), trust.WithDecay(cfg.Trust.Decay))),
		hybrid.WithReputation(trust.NewReputationSystem(trust.WithReputationConfig(cfg.Reputation))),
		hybrid.WithContracts(contracts),
		hybrid.WithMonitor(monitor),
		hybrid.WithAnchors(anchors),
		hybrid.WithEscalations(escalation.NewManager(escOpts...)),
		hybrid.WithTelemetry(n.telemetry),
		hybrid.WithDefaultLevel(level),
		hybrid.WithTrustThreshold(cfg.TrustThreshold),
		hybrid.WithEscalationThreshold(cfg.EscalationThreshold),
	}
	n.sys, err = hybrid.New(append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	slog.Debug("node ready", "persist", persist, "anchor_backend", anchors.BackendName(), "events", n.store.Len())
	return n, nil
}
