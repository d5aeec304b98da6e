package main

import (
	"cmp"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/accord/pkg/config"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/identity"
)

// keyFile is the on-disk form written by keygen. The private key is hex.
type keyFile struct {
	identity.PublicRecord
	PrivateKey string `json:"private_key"`
}

// runKeygenCmd implements `accord keygen`.
//
// With --seed the key pair is derived deterministically, so the same seed
// and id always give the same agent.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id      string
		seedHex string
		outPath string
	)
	cmd.StringVar(&id, "id", "", "Agent id (REQUIRED)")
	cmd.StringVar(&seedHex, "seed", "", "Hex seed for deterministic derivation (at least 16 bytes)")
	cmd.StringVar(&outPath, "out", "", "Write the key file here instead of stdout (mode 0600)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	var (
		ident *identity.Identity
		err   error
	)
	if seedHex != "" {
		seed, decodeErr := hex.DecodeString(seedHex)
		if decodeErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --seed is not hex: %v\n", decodeErr)
			return 2
		}
		ident, err = identity.Derive(seed, id, nil)
	} else {
		ident, err = identity.Generate(id, nil)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	data, err := json.MarshalIndent(keyFile{
		PublicRecord: ident.ToPublic(),
		PrivateKey:   hex.EncodeToString(ident.PrivateKey()),
	}, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if outPath == "" {
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	if err := os.WriteFile(outPath, append(data, '\n'), 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot write key file: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Key for %s written to %s\n", ident.ID(), outPath)
	_, _ = fmt.Fprintf(stdout, "Public key: %s\n", ident.PublicKeyHex())
	return 0
}

// verifyReport is the --json output of verify.
type verifyReport struct {
	Source    string `json:"source"`
	Verified  bool   `json:"verified"`
	Events    int    `json:"events"`
	ChainHead string `json:"chain_head,omitempty"`
	Signed    int    `json:"signed"`
	Error     string `json:"error,omitempty"`
	Sequence  uint64 `json:"failed_sequence,omitempty"`
}

// runVerifyCmd implements `accord verify`.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbURL      string
		driver     string
		bundle     string
		identities string
		jsonOutput bool
	)
	cmd.StringVar(&dbURL, "db", "", "Journal database to verify (defaults to the configured database_url)")
	cmd.StringVar(&driver, "driver", cfg.JournalDriver, "Journal driver: sqlite or postgres")
	cmd.StringVar(&bundle, "bundle", "", "Exported audit log to verify instead of a journal")
	cmd.StringVar(&identities, "identities", "", "JSON array of public identity records for signature checks")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()

	var reg *identity.Registry
	if identities != "" {
		var err error
		if reg, err = loadIdentities(identities); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	var (
		report verifyReport
		events []eventstore.Event
		err    error
	)
	if bundle != "" {
		report.Source = bundle
		var log *eventstore.AuditLog
		log, err = readAuditLog(bundle)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		events = log.Events
		err = eventstore.VerifyAuditLog(log)
	} else {
		report.Source = cmp.Or(dbURL, cfg.DatabaseURL)
		events, err = loadJournal(ctx, driver, report.Source)
		if err != nil && !isIntegrity(err) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if err == nil {
			err = eventstore.VerifyChain(events)
		}
	}
	if err == nil && reg != nil {
		err = eventstore.VerifySignatures(events, reg)
	}

	report.Events = len(events)
	for _, e := range events {
		if e.Signed() {
			report.Signed++
		}
	}
	if len(events) > 0 {
		report.ChainHead = events[len(events)-1].Hash
	}
	report.Verified = err == nil
	if err != nil {
		report.Error = err.Error()
		var ie *eventstore.IntegrityError
		if errors.As(err, &ie) {
			report.Sequence = ie.Sequence
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = passed.Fprintln(stdout, "Chain verification PASSED")
		_, _ = fmt.Fprintf(stdout, "Source: %s\n", report.Source)
		_, _ = fmt.Fprintf(stdout, "Events: %d (%d signed)\n", report.Events, report.Signed)
		_, _ = fmt.Fprintf(stdout, "Head:   %s\n", report.ChainHead)
	} else {
		_, _ = failed.Fprintln(stdout, "Chain verification FAILED")
		_, _ = fmt.Fprintf(stdout, "Source: %s\n", report.Source)
		_, _ = fmt.Fprintf(stdout, "  - %s\n", report.Error)
	}
	if !report.Verified {
		return 1
	}
	return 0
}

// loadJournal reads every journaled event without verifying them, so that a
// broken chain can still be reported with its position.
func loadJournal(ctx context.Context, driver, url string) ([]eventstore.Event, error) {
	j, db, err := openJournal(ctx, driver, url)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = j.Close()
		_ = db.Close()
	}()
	return j.Load(ctx)
}

func isIntegrity(err error) bool {
	return errors.Is(err, eventstore.ErrChainBroken)
}

func loadIdentities(path string) (*identity.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identities: %w", err)
	}
	var records []identity.PublicRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse identities: %w", err)
	}
	reg := identity.NewRegistry()
	if err := reg.Import(records); err != nil {
		return nil, err
	}
	return reg, nil
}

func readAuditLog(path string) (*eventstore.AuditLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	var log eventstore.AuditLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parse audit log: %w", err)
	}
	return &log, nil
}

// runExportCmd implements `accord export`.
//
// Exit codes:
//
//	0 = export written
//	1 = the journal failed verification
//	2 = runtime error
func runExportCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbURL   string
		driver  string
		outPath string
		from    uint64
		to      uint64
	)
	cmd.StringVar(&dbURL, "db", "", "Journal database (defaults to the configured database_url)")
	cmd.StringVar(&driver, "driver", cfg.JournalDriver, "Journal driver: sqlite or postgres")
	cmd.StringVar(&outPath, "out", "", "Output file for the audit log (REQUIRED)")
	cmd.Uint64Var(&from, "from", 0, "First sequence to export (0 = start)")
	cmd.Uint64Var(&to, "to", 0, "Last sequence to export (0 = end)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if outPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --out is required")
		return 2
	}

	ctx := context.Background()
	store, closeFn, err := openStore(ctx, driver, cmp.Or(dbURL, cfg.DatabaseURL))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if isIntegrity(err) {
			return 1
		}
		return 2
	}
	defer func() { _ = closeFn(ctx) }()

	log, err := store.ExportAuditLog(from, to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := os.WriteFile(outPath, append(data, '\n'), 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot write audit log: %v\n", err)
		return 2
	}
	_, _ = passed.Fprintf(stdout, "Exported %d events [%d..%d]\n", log.EntryCount, log.StartSeq, log.EndSeq)
	_, _ = fmt.Fprintf(stdout, "Bundle: %s\n", log.BundleHash)
	_, _ = fmt.Fprintf(stdout, "Out:    %s\n", outPath)
	return 0
}
