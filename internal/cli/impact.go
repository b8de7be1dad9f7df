package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/configwatch/internal/impact"
	"github.com/ppiankov/configwatch/internal/monitor"
	"github.com/ppiankov/configwatch/internal/store"
)

var impactCmd = &cobra.Command{
	Use:   "impact",
	Short: "Show blast radius of a resource or finding",
	Long: `Build the correlation graph from stored findings and links, then query it
to show which findings depend on a resource or finding.

Query modes (exactly one required):
  --resource  Substring match against resource ids; includes every dependent finding
  --finding   Walk from a finding id in the direction given by --direction`,
	Example: `  # What is exposed if this KMS key is compromised?
  configwatch impact --resource 1234abcd

  # Which findings did this finding escalate?
  configwatch impact --finding 7f3c... --direction dependents

  # Which findings escalated this one?
  configwatch impact --finding 7f3c... --direction dependencies -o json`,
	Args: cobra.NoArgs,
	RunE: runImpact,
}

func init() {
	rootCmd.AddCommand(impactCmd)
	impactCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	impactCmd.Flags().String("db", "", "Path to SQLite finding database (overrides config)")
	impactCmd.Flags().StringP("output", "o", "text", "Output format: text, json")
	impactCmd.Flags().String("resource", "", "Query by resource id (substring match)")
	impactCmd.Flags().String("finding", "", "Query by finding id")
	impactCmd.Flags().String("direction", "dependents", "Graph direction for --finding: dependents, dependencies")
}

func runImpact(cmd *cobra.Command, _ []string) error {
	resourceQ, _ := cmd.Flags().GetString("resource")   //nolint:errcheck // flag registered above
	findingQ, _ := cmd.Flags().GetString("finding")     //nolint:errcheck // flag registered above
	direction, _ := cmd.Flags().GetString("direction") //nolint:errcheck // flag registered above

	if (resourceQ == "") == (findingQ == "") {
		return fmt.Errorf("exactly one of --resource or --finding is required")
	}
	if direction != "dependents" && direction != "dependencies" {
		return fmt.Errorf("invalid --direction %q: must be dependents or dependencies", direction)
	}
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
	findings, err := db.List(ctx, listAll())
	if err != nil {
		return err
	}
	links, err := db.AllLinks(ctx)
	if err != nil {
		return err
	}
	graph := impact.Build(findings, links)

	var qr impact.QueryResult
	switch {
	case resourceQ != "":
		qr = graph.QueryResource(resourceQ)
	case direction == "dependencies":
		if _, ok := graph.Finding(findingQ); !ok {
			return fmt.Errorf("finding %s: %w", findingQ, store.ErrNotFound)
		}
		qr = graph.Dependencies(findingQ)
	default:
		if _, ok := graph.Finding(findingQ); !ok {
			return fmt.Errorf("finding %s: %w", findingQ, store.ErrNotFound)
		}
		qr = graph.Dependents(findingQ)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		if err := writeIndentedJSON(out, qr); err != nil {
			return fmt.Errorf("writing JSON output: %w", err)
		}
		return nil
	}
	printImpactTable(out, &qr)
	return nil
}

func printImpactTable(w io.Writer, qr *impact.QueryResult) {
	if len(qr.Findings) == 0 {
		fmt.Fprintf(w, "No active findings match %q\n", qr.MatchedPattern) //nolint:errcheck // terminal output
		return
	}

	fmt.Fprintf(w, "Blast radius for %q:\n", qr.MatchedPattern)  //nolint:errcheck // terminal output
	fmt.Fprintf(w, "  Affected findings: %d\n", len(qr.Findings)) //nolint:errcheck // terminal output
	if len(qr.Accounts) > 0 {
		fmt.Fprintf(w, "  Accounts: %s\n", strings.Join(qr.Accounts, ", ")) //nolint:errcheck // terminal output
	}
	if len(qr.Regions) > 0 {
		fmt.Fprintf(w, "  Regions: %s\n", strings.Join(qr.Regions, ", ")) //nolint:errcheck // terminal output
	}

	var sevParts []string
	for _, sev := range []store.Severity{store.SeverityCritical, store.SeverityHigh, store.SeverityMedium, store.SeverityLow, store.SeverityInformational} {
		if count := qr.BySeverity[sev]; count > 0 {
			sevParts = append(sevParts, fmt.Sprintf("%s=%d", sev, count))
		}
	}
	if len(sevParts) > 0 {
		fmt.Fprintf(w, "  Severity: %s\n", strings.Join(sevParts, ", ")) //nolint:errcheck // terminal output
	}
	fmt.Fprintln(w)                                //nolint:errcheck // terminal output
	fmt.Fprint(w, monitor.PlainText(qr.Findings)) //nolint:errcheck // terminal output
}
