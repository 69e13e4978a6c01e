package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/artifacts"
	"github.com/Mindburn-Labs/permengine/pkg/audit"
	"github.com/Mindburn-Labs/permengine/pkg/store"
)

// auditSecretEnv holds the chain secret unless --secret-file is given.
const auditSecretEnv = "PERMENGINE_AUDIT_SECRET"

func chainKey(secretFile string) ([]byte, error) {
	secret := os.Getenv(auditSecretEnv)
	if secretFile != "" {
		data, err := os.ReadFile(secretFile) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
		secret = strings.TrimSpace(string(data))
	}
	if secret == "" {
		return nil, fmt.Errorf("audit secret missing: set %s or pass --secret-file", auditSecretEnv)
	}
	return store.DeriveMACKey([]byte(secret))
}

type verifyReport struct {
	Chain    string `json:"chain"`
	Verified bool   `json:"verified"`
	Entries  int    `json:"entries"`
	Head     string `json:"head,omitempty"`
	Error    string `json:"error,omitempty"`
}

// runVerifyAuditCmd implements `permengine verify-audit`.
//
// Checks sequence continuity, hash links and MACs of a chain file.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken or forged
//	2 = usage or runtime error
func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("verify-audit", stderr)
	var (
		chainPath  string
		secretFile string
		jsonOutput bool
	)
	cmd.StringVar(&chainPath, "chain", "", "Path to the JSON-lines audit chain (REQUIRED)")
	cmd.StringVar(&secretFile, "secret-file", "", "File holding the audit secret (default $"+auditSecretEnv+")")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if chainPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --chain is required")
		return 2
	}
	key, err := chainKey(secretFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	f, err := os.Open(chainPath) //nolint:gosec // operator-supplied path
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = f.Close() }()
	entries, err := store.ReadEntries(f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := verifyReport{Chain: chainPath, Entries: len(entries)}
	if n := len(entries); n > 0 {
		report.Head = entries[n-1].EntryHash
	}
	if err := store.VerifyEntries(entries, key); err != nil {
		report.Error = err.Error()
	} else {
		report.Verified = true
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "%s✓ chain verified%s: %d entries, head %s\n", ColorGreen, ColorReset, report.Entries, report.Head)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s✗ chain verification failed%s: %s\n", ColorRed, ColorReset, report.Error)
	}
	if !report.Verified {
		return 1
	}
	return 0
}

type exportReport struct {
	Out      string         `json:"out,omitempty"`
	Hash     string         `json:"hash,omitempty"`
	Checksum string         `json:"checksum"`
	Manifest audit.Manifest `json:"manifest"`
}

// runExportAuditCmd implements `permengine export-audit`.
//
// Verifies a chain file and writes an evidence pack of the selected events,
// either to --out or into a content-addressed directory with --store.
func runExportAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("export-audit", stderr)
	var (
		chainPath  string
		secretFile string
		outPath    string
		storeDir   string
		userID     string
		since      string
		until      string
		jsonOutput bool
	)
	cmd.StringVar(&chainPath, "chain", "", "Path to the JSON-lines audit chain (REQUIRED)")
	cmd.StringVar(&secretFile, "secret-file", "", "File holding the audit secret (default $"+auditSecretEnv+")")
	cmd.StringVar(&outPath, "out", "", "Write the zip to this path")
	cmd.StringVar(&storeDir, "store", "", "Keep the zip in this content-addressed directory")
	cmd.StringVar(&userID, "user", "", "Only events of this user")
	cmd.StringVar(&since, "since", "", "Only events at or after this RFC 3339 time")
	cmd.StringVar(&until, "until", "", "Only events at or before this RFC 3339 time")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if chainPath == "" || (outPath == "") == (storeDir == "") {
		_, _ = fmt.Fprintln(stderr, "Error: --chain and exactly one of --out or --store are required")
		return 2
	}

	req := audit.ExportRequest{UserID: userID}
	var err error
	if req.Since, err = parseFlagTime(since); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --since: %v\n", err)
		return 2
	}
	if req.Until, err = parseFlagTime(until); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --until: %v\n", err)
		return 2
	}

	key, err := chainKey(secretFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	f, err := os.Open(chainPath) //nolint:gosec // operator-supplied path
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	chain, err := store.LoadAuditChain(f, key)
	_ = f.Close()
	if errors.Is(err, store.ErrChainBroken) || errors.Is(err, store.ErrBadMAC) {
		_, _ = fmt.Fprintf(stderr, "Error: refusing to export an unverifiable chain: %v\n", err)
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	pack, err := audit.NewExporter(chain).GeneratePack(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := exportReport{Checksum: pack.Checksum, Manifest: pack.Manifest}
	if outPath != "" {
		if err := os.WriteFile(outPath, pack.Data, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		report.Out = outPath
	} else {
		fs, err := artifacts.NewFileStore(storeDir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if report.Hash, err = fs.Store(ctx, pack.Data); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return 0
	}
	dest := report.Out
	if dest == "" {
		dest = report.Hash
	}
	_, _ = fmt.Fprintf(stdout, "%s✓ exported%s %d events to %s (checksum %s)\n",
		ColorGreen, ColorReset, pack.Manifest.EventCount, dest, pack.Checksum)
	return 0
}

func parseFlagTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
