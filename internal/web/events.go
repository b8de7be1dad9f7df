package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/configwatch/internal/engine"
	"github.com/ppiankov/configwatch/internal/ingest"
)

// Per-item outcomes of an events request.
const (
	ItemEvaluated = "evaluated"
	ItemSkipped   = "skipped"
	ItemFailed    = "failed"
)

// EventResult is the outcome for one decoded notification.
type EventResult struct {
	Result    *engine.Result `json:"result,omitempty"`
	Source    string         `json:"source,omitempty"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// EventsResponse summarizes an events request.
type EventsResponse struct {
	RequestID string        `json:"requestId,omitempty"`
	Results   []EventResult `json:"results"`
	Evaluated int           `json:"evaluated"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
}

// postEvents decodes a notification payload and evaluates every item. Items
// for the same resource run in payload order; different resources run
// concurrently. The response is 200 when nothing failed, 207 when some items
// failed and 422 when every item failed.
func (a *api) postEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("reading body: %v", err))
		return
	}
	items, err := ingest.Decode(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp := EventsResponse{
		RequestID: middleware.GetReqID(r.Context()),
		Results:   a.evaluateAll(r.Context(), items),
	}
	for i := range resp.Results {
		switch resp.Results[i].Status {
		case ItemEvaluated:
			resp.Evaluated++
		case ItemSkipped:
			resp.Skipped++
		default:
			resp.Failed++
		}
	}

	status := http.StatusOK
	switch {
	case resp.Failed > 0 && resp.Failed == len(resp.Results):
		status = http.StatusUnprocessableEntity
	case resp.Failed > 0:
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (a *api) evaluateAll(ctx context.Context, items []ingest.Item) []EventResult {
	results := make([]EventResult, len(items))

	var g errgroup.Group
	g.SetLimit(a.workers)
	for _, group := range ingest.Partition(items) {
		g.Go(func() error {
			for _, i := range group {
				results[i] = a.evaluateItem(ctx, &items[i])
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // item failures are reported per result
	return results
}

func (a *api) evaluateItem(ctx context.Context, it *ingest.Item) EventResult {
	out := EventResult{Source: it.Source}
	if it.Err != nil {
		if errors.Is(it.Err, ingest.ErrIgnored) {
			out.Status = ItemSkipped
		} else {
			out.Status = ItemFailed
		}
		out.Error = it.Err.Error()
		return out
	}

	res, err := a.eval.Evaluate(ctx, it.Event, it.Snapshot)
	out.Result = res
	if err != nil {
		out.Status = ItemFailed
		out.Error = err.Error()
		out.Retryable = errors.Is(err, engine.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
		return out
	}
	out.Status = ItemEvaluated
	return out
}
