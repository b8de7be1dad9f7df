package monitor

import (
	"encoding/json"
	"io"
)

// Output is the JSON envelope for `configwatch evaluate --output json`.
// Wraps the report with exit-code metadata.
type Output struct {
	Report   Report `json:"report"`
	ExitCode int    `json:"exitCode"`
}

// WriteJSON serializes an Output envelope to w.
func WriteJSON(w io.Writer, r Report, exitCode int) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Output{
		ExitCode: exitCode,
		Report:   r,
	})
}
