package cli

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/configwatch/internal/history"
	"github.com/ppiankov/configwatch/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a compliance report from stored findings",
	Long: `Read findings from the finding database and render them as a standalone
HTML report or as CSV.

The HTML report includes severity counts, every violation with its
remediation, and the linked finding of escalated resources. All CSS is
inlined and the output is print-friendly.`,
	Example: `  # Generate report to stdout
  configwatch report > report.html

  # Save to a file with an account name in the header
  configwatch report --account-name production --output-file report.html

  # Only active findings, as CSV
  configwatch report --format csv --active-only -o findings.csv`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	reportCmd.Flags().String("db", "", "Path to SQLite finding database (overrides config)")
	reportCmd.Flags().String("format", "html", "Report format: html, csv")
	reportCmd.Flags().String("account-name", "", "Name for this account in the report header")
	reportCmd.Flags().Bool("active-only", false, "Exclude resolved and false-positive findings")
	reportCmd.Flags().StringP("output-file", "o", "", "Write report to file (default: stdout)")
}

func runReport(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")            //nolint:errcheck // flag registered above
	accountName, _ := cmd.Flags().GetString("account-name") //nolint:errcheck // flag registered above
	activeOnly, _ := cmd.Flags().GetBool("active-only")     //nolint:errcheck // flag registered above
	outputFile, _ := cmd.Flags().GetString("output-file")   //nolint:errcheck // flag registered above

	if format != "html" && format != "csv" {
		return fmt.Errorf("invalid --format value %q: must be html or csv", format)
	}

	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-only command

	findings, err := db.List(cmd.Context(), listAll())
	if err != nil {
		return err
	}
	if activeOnly {
		kept := findings[:0]
		for i := range findings {
			if findings[i].Status.Active() {
				kept = append(kept, findings[i])
			}
		}
		findings = kept
	}
	slog.Debug("loaded findings for report", "count", len(findings), "format", format)

	var out []byte
	switch format {
	case "csv":
		var buf bytes.Buffer
		if err := report.WriteCSV(&buf, findings); err != nil {
			return fmt.Errorf("generating report: %w", err)
		}
		out = buf.Bytes()
	default:
		out, err = report.Generate(findings, time.Now(), accountName)
		if err != nil {
			return fmt.Errorf("generating report: %w", err)
		}
	}

	if outputFile != "" {
		if writeErr := os.WriteFile(outputFile, out, 0o644); writeErr != nil { //nolint:gosec // report is not sensitive
			return fmt.Errorf("writing report: %w", writeErr)
		}
		slog.Info("report written", "path", outputFile, "findings", len(findings))
		return nil
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// reportLimit bounds how many findings a report or impact query loads.
const reportLimit = 10000

func listAll() history.FindingFilter {
	return history.FindingFilter{Limit: reportLimit}
}
