package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/configwatch/internal/engine"
	"github.com/ppiankov/configwatch/internal/ingest"
	"github.com/ppiankov/configwatch/internal/monitor"
	"github.com/ppiankov/configwatch/internal/store"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [file|dir]...",
	Short: "Evaluate change notification files and report findings",
	Long: `Decode change notifications (bare snapshots, envelopes, SQS batches or
CloudTrail records) from JSON files, evaluate them against the policy rules
and print the resulting findings.

Directories are scanned for *.json files. "-" reads standard input.

Exit codes:
  0  no findings (or none at or above --fail-on)
  1  low or medium findings
  2  high or critical findings (or any at or above --fail-on)
  3  evaluation errors`,
	Example: `  # Evaluate one notification against a throwaway store
  configwatch evaluate --dry-run bucket.json

  # Evaluate a directory and fail a pipeline on high findings
  configwatch evaluate --fail-on high ./events/

  # Machine-readable output
  configwatch evaluate -o json events.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	evaluateCmd.Flags().String("db", "", "Path to SQLite finding database (overrides config)")
	evaluateCmd.Flags().Bool("dry-run", false, "Evaluate against an in-memory store; nothing is persisted")
	evaluateCmd.Flags().StringP("output", "o", "text", "Output format: text, json")
	evaluateCmd.Flags().String("fail-on", "", "Exit 2 only when an active finding is at or above this severity")
	evaluateCmd.Flags().BoolP("quiet", "q", false, "Suppress output, only set exit code")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	outputFmt, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format %q (use text or json)", outputFmt)
	}
	quiet, _ := cmd.Flags().GetBool("quiet") //nolint:errcheck // flag registered above

	threshold := store.SeverityNone
	if failOn, _ := cmd.Flags().GetString("fail-on"); failOn != "" { //nolint:errcheck // flag registered above
		sev, ok := store.ParseSeverity(failOn)
		if !ok {
			return fmt.Errorf("unknown severity %q for --fail-on", failOn)
		}
		threshold = sev
	}

	dbPath := databasePath(cmd, cfg)
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun { //nolint:errcheck // flag registered above
		dbPath = ":memory:"
	}

	files, err := collectInputs(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := newRuntime(ctx, cmd, cfg, dbPath)
	if err != nil {
		return err
	}
	report := evaluateFiles(ctx, rt.orch, files, cmd.InOrStdin(), cfg.Workers)
	rt.Close()

	var code int
	if threshold != store.SeverityNone {
		code = monitor.ExitCodeAt(report, threshold)
	} else {
		code = monitor.ExitCode(report)
	}

	if !quiet {
		out := cmd.OutOrStdout()
		switch outputFmt {
		case "json":
			if err := monitor.WriteJSON(out, report, code); err != nil {
				return fmt.Errorf("writing JSON: %w", err)
			}
		default:
			fmt.Fprintln(out, monitor.Header(report))          //nolint:errcheck // terminal output
			fmt.Fprintln(out, monitor.PlainText(report.Findings)) //nolint:errcheck // terminal output
			for _, key := range sortedKeys(report.Errors) {
				fmt.Fprintf(out, "error: %s: %s\n", key, report.Errors[key]) //nolint:errcheck // terminal output
			}
		}
	}

	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// collectInputs expands directories into their *.json files. "-" is kept
// as a marker for standard input.
func collectInputs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		if arg == "-" {
			files = append(files, arg)
			continue
		}
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, errors.New("no input files found")
	}
	return files, nil
}

// evaluator runs one change event through the engine.
type evaluator interface {
	Evaluate(ctx context.Context, ev store.ChangeEvent, snap *store.ResourceSnapshot) (*engine.Result, error)
}

type fileItem struct {
	file string
	item ingest.Item
}

// evaluateFiles decodes every input and evaluates the items. Items for the
// same resource run in input order; different resources run concurrently.
// The report holds the final finding of each resource touched.
func evaluateFiles(ctx context.Context, eval evaluator, files []string, stdin io.Reader, workers int) monitor.Report {
	report := monitor.Report{At: time.Now().UTC(), Errors: make(map[string]string)}

	var all []fileItem
	for _, file := range files {
		data, err := readInput(file, stdin)
		if err != nil {
			report.Errors[file] = err.Error()
			continue
		}
		items, err := ingest.Decode(data)
		if err != nil {
			report.Errors[file] = err.Error()
			continue
		}
		for i := range items {
			all = append(all, fileItem{file: file, item: items[i]})
		}
	}

	items := make([]ingest.Item, len(all))
	for i := range all {
		items[i] = all[i].item
	}

	var (
		mu     sync.Mutex
		latest = make(map[string]store.Finding)
		order  []string
	)
	record := func(key string, f *store.Finding, errKey, errMsg string) {
		mu.Lock()
		defer mu.Unlock()
		if errMsg != "" {
			report.Errors[errKey] = errMsg
			return
		}
		if f == nil {
			return
		}
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = *f
	}

	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, group := range ingest.Partition(items) {
		g.Go(func() error {
			for _, i := range group {
				fi := &all[i]
				errKey := fi.file
				if fi.item.Source != "" {
					errKey += fi.item.Source
				}
				if fi.item.Err != nil {
					if errors.Is(fi.item.Err, ingest.ErrIgnored) {
						slog.Debug("skipping notification", "input", errKey, "reason", fi.item.Err)
						continue
					}
					record("", nil, errKey, fi.item.Err.Error())
					continue
				}
				res, err := eval.Evaluate(ctx, fi.item.Event, fi.item.Snapshot)
				if err != nil {
					record("", nil, errKey, err.Error())
					continue
				}
				ev := fi.item.Event
				record(string(ev.ResourceType)+"/"+ev.ResourceID, res.Finding, "", "")
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // item failures are recorded in the report

	for _, key := range order {
		report.Findings = append(report.Findings, latest[key])
	}
	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	slog.Debug("evaluation complete", "inputs", len(files), "items", len(items),
		"findings", len(report.Findings), "errors", len(report.Errors))
	return report
}

func readInput(file string, stdin io.Reader) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file) //nolint:gosec // operator-supplied path
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// trimID shortens a finding id for table output.
func trimID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return strings.TrimSpace(id)
}
