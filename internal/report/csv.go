package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/configwatch/internal/store"
)

var csvHeader = []string{
	"findingId", "resourceType", "resourceId", "accountId", "region",
	"severity", "score", "status", "rules", "correlatedFindingId",
	"partiallyEvaluated", "firstDetectedAt", "lastEvaluatedAt", "resolvedAt",
}

// WriteCSV writes findings as CSV rows to w.
func WriteCSV(w io.Writer, findings []store.Finding) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for i := range findings {
		f := &findings[i]
		resolvedAt := ""
		if f.ResolvedAt != nil {
			resolvedAt = f.ResolvedAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			f.ID,
			string(f.ResourceType),
			f.ResourceID,
			f.AccountID,
			f.Region,
			string(f.Severity),
			strconv.Itoa(f.Severity.Score()),
			string(f.Status),
			strings.Join(f.RuleNames(), ";"),
			f.CorrelatedFindingID,
			strconv.FormatBool(f.PartiallyEvaluated),
			formatTime(f.FirstDetectedAt),
			formatTime(f.LastEvaluatedAt),
			resolvedAt,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
