// Command pool-audit reads a poold journal offline, verifies its hash chain
// and exports the entries for reconciliation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pool-audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "./data/journal.db", "path to the poold sqlite journal")
	outDir := fs.String("out", "", "directory for exported files (empty disables export)")
	format := fs.String("format", "csv,parquet", "comma separated export formats: csv, parquet")
	skipVerify := fs.Bool("skip-verify", false, "do not verify the hash chain")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := audit(context.Background(), *dbPath, *outDir, *format, !*skipVerify, stdout); err != nil {
		fmt.Fprintf(stderr, "pool-audit: %v\n", err)
		if errors.Is(err, errChainBroken) {
			return 3
		}
		return 1
	}
	return 0
}

func audit(ctx context.Context, dbPath, outDir, format string, verify bool, stdout io.Writer) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("journal %s: %w", dbPath, err)
	}
	db, err := openJournal(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := loadRecords(ctx, db, 0)
	if err != nil {
		return err
	}
	if verify {
		if err := verifyChain(records); err != nil {
			return err
		}
	}
	report, err := summarize(records)
	if err != nil {
		return err
	}
	report.Verified = verify

	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		for _, f := range strings.Split(format, ",") {
			switch strings.ToLower(strings.TrimSpace(f)) {
			case "":
			case "csv":
				if err := writeCSV(filepath.Join(outDir, "journal.csv"), records); err != nil {
					return err
				}
			case "parquet":
				if err := writeParquet(filepath.Join(outDir, "journal.parquet"), records); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q", f)
			}
		}
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = fmt.Fprintln(stdout, string(output))
	return err
}
