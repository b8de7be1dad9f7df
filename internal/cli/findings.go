package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/configwatch/internal/history"
	"github.com/ppiankov/configwatch/internal/monitor"
	"github.com/ppiankov/configwatch/internal/store"
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Inspect and override stored findings",
}

var findingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List findings from the finding database",
	Example: `  # Active critical findings
  configwatch findings list --status open --severity critical

  # Everything recorded for one bucket
  configwatch findings list --resource-type s3 --resource-id my-bucket -o json`,
	Args: cobra.NoArgs,
	RunE: runFindingsList,
}

var findingsShowCmd = &cobra.Command{
	Use:   "show <finding-id>",
	Short: "Show one finding with its violations and correlation links",
	Args:  cobra.ExactArgs(1),
	RunE:  runFindingsShow,
}

var findingsStatusCmd = &cobra.Command{
	Use:   "status <finding-id> <open|in_progress|resolved|false_positive>",
	Short: "Set the status of a finding",
	Long: `Apply an operator status override. Resolved findings cannot be changed;
marking a finding false_positive retires it and a later violation opens a new one.`,
	Args: cobra.ExactArgs(2),
	RunE: runFindingsStatus,
}

func init() {
	rootCmd.AddCommand(findingsCmd)
	findingsCmd.AddCommand(findingsListCmd, findingsShowCmd, findingsStatusCmd)

	findingsCmd.PersistentFlags().String("config", defaultConfigPath, "Path to config file")
	findingsCmd.PersistentFlags().String("db", "", "Path to SQLite finding database (overrides config)")
	findingsCmd.PersistentFlags().StringP("output", "o", "text", "Output format: text, json")

	findingsListCmd.Flags().String("status", "", "Filter by status")
	findingsListCmd.Flags().String("severity", "", "Filter by severity")
	findingsListCmd.Flags().String("resource-type", "", "Filter by resource type (s3, kms)")
	findingsListCmd.Flags().String("resource-id", "", "Filter by resource id")
	findingsListCmd.Flags().Int("limit", 100, "Maximum number of findings")
}

func outputFormat(cmd *cobra.Command) (string, error) {
	f, err := cmd.Flags().GetString("output")
	if err != nil {
		return "", err
	}
	if f != "text" && f != "json" {
		return "", fmt.Errorf("unknown output format %q (use text or json)", f)
	}
	return f, nil
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// listFilter builds a finding filter from the list flags.
func listFilter(cmd *cobra.Command) (history.FindingFilter, error) {
	status, _ := cmd.Flags().GetString("status")          //nolint:errcheck // flag registered above
	severity, _ := cmd.Flags().GetString("severity")      //nolint:errcheck // flag registered above
	rtype, _ := cmd.Flags().GetString("resource-type")    //nolint:errcheck // flag registered above
	resourceID, _ := cmd.Flags().GetString("resource-id") //nolint:errcheck // flag registered above
	limit, _ := cmd.Flags().GetInt("limit")               //nolint:errcheck // flag registered above

	filter := history.FindingFilter{
		Status:       store.Status(status),
		ResourceType: store.ResourceType(rtype),
		ResourceID:   resourceID,
		Limit:        limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return filter, fmt.Errorf("unknown status %q", status)
	}
	if severity != "" {
		sev, ok := store.ParseSeverity(severity)
		if !ok {
			return filter, fmt.Errorf("unknown severity %q", severity)
		}
		filter.Severity = sev
	}
	return filter, nil
}

func runFindingsList(cmd *cobra.Command, _ []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	filter, err := listFilter(cmd)
	if err != nil {
		return err
	}
	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-only command

	findings, err := db.List(cmd.Context(), filter)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if format == "json" {
		if findings == nil {
			findings = []store.Finding{}
		}
		return writeIndentedJSON(out, findings)
	}
	return writeFindingTable(out, findings, time.Now())
}

func writeFindingTable(w io.Writer, findings []store.Finding, now time.Time) error {
	if len(findings) == 0 {
		_, err := fmt.Fprintln(w, "No findings.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEVERITY\tTYPE\tRESOURCE\tSTATUS\tLAST SEEN\tVIOLATIONS") //nolint:errcheck // tabwriter buffers
	for i := range findings {
		f := &findings[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n", //nolint:errcheck // tabwriter buffers
			trimID(f.ID), f.Severity, f.ResourceType, f.ResourceID, f.Status,
			monitor.FormatAge(f.LastEvaluatedAt, now), len(f.Violations))
	}
	return tw.Flush()
}

func runFindingsShow(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-only command

	ctx := cmd.Context()
	f, err := db.Get(ctx, args[0])
	if err != nil {
		return err
	}
	escalatedBy, err := db.LinksFrom(ctx, f.ID)
	if err != nil {
		return err
	}
	escalates, err := db.LinksTo(ctx, f.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		return writeIndentedJSON(out, struct {
			Finding     *store.Finding          `json:"finding"`
			EscalatedBy []store.CorrelationLink `json:"escalatedBy"`
			Escalates   []store.CorrelationLink `json:"escalates"`
		}{f, escalatedBy, escalates})
	}

	fmt.Fprintln(out, monitor.Detail(f)) //nolint:errcheck // terminal output
	for _, l := range escalatedBy {
		fmt.Fprintf(out, "Escalated by %s (%s)\n", l.ToFindingID, l.Relation) //nolint:errcheck // terminal output
	}
	for _, l := range escalates {
		fmt.Fprintf(out, "Escalates %s (%s)\n", l.FromFindingID, l.Relation) //nolint:errcheck // terminal output
	}
	return nil
}

func runFindingsStatus(cmd *cobra.Command, args []string) error {
	status := store.Status(args[1])
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", args[1])
	}
	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // closed on exit

	f, err := db.SetStatus(cmd.Context(), args[0], status)
	if err != nil {
		return fmt.Errorf("setting status: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Finding %s is now %s (version %d)\n", f.ID, f.Status, f.Version) //nolint:errcheck // terminal output
	return nil
}
