package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/configwatch/internal/history"
	"github.com/ppiankov/configwatch/internal/impact"
	"github.com/ppiankov/configwatch/internal/store"
)

// graphLimit bounds how many findings are loaded to build an impact graph.
const graphLimit = 10000

func queryLimit(r *http.Request, def int) int {
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (a *api) listFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := history.FindingFilter{
		Status:       store.Status(q.Get("status")),
		ResourceType: store.ResourceType(q.Get("resource_type")),
		ResourceID:   q.Get("resource_id"),
		Limit:        queryLimit(r, 100),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown status "+strconv.Quote(q.Get("status")))
		return
	}
	if s := q.Get("severity"); s != "" {
		sev, ok := store.ParseSeverity(s)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "unknown severity "+strconv.Quote(s))
			return
		}
		filter.Severity = sev
	}

	findings, err := a.findings.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if findings == nil {
		findings = []store.Finding{}
	}
	writeJSON(w, http.StatusOK, findings)
}

func (a *api) getFinding(w http.ResponseWriter, r *http.Request) {
	f, err := a.findings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type statusRequest struct {
	Status store.Status `json:"status"`
}

func (a *api) setStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "decoding status request: "+err.Error())
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown status "+strconv.Quote(string(req.Status)))
		return
	}
	f, err := a.findings.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// linksResponse lists the links on both sides of a finding.
type linksResponse struct {
	// EscalatedBy links this finding to the dependency findings that raised it.
	EscalatedBy []store.CorrelationLink `json:"escalatedBy"`
	// Escalates links the findings this one raised back to it.
	Escalates []store.CorrelationLink `json:"escalates"`
}

func (a *api) findingLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := a.findings.Get(ctx, id); err != nil {
		a.storeError(w, r, err)
		return
	}
	from, err := a.findings.LinksFrom(ctx, id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	to, err := a.findings.LinksTo(ctx, id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	resp := linksResponse{EscalatedBy: from, Escalates: to}
	if resp.EscalatedBy == nil {
		resp.EscalatedBy = []store.CorrelationLink{}
	}
	if resp.Escalates == nil {
		resp.Escalates = []store.CorrelationLink{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) findingDependents(w http.ResponseWriter, r *http.Request) {
	a.graphQuery(w, r, (*impact.Graph).Dependents)
}

func (a *api) findingDependencies(w http.ResponseWriter, r *http.Request) {
	a.graphQuery(w, r, (*impact.Graph).Dependencies)
}

func (a *api) graphQuery(w http.ResponseWriter, r *http.Request, query func(*impact.Graph, string) impact.QueryResult) {
	id := chi.URLParam(r, "id")
	g, err := a.graph(r)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if _, ok := g.Finding(id); !ok {
		writeError(w, r, http.StatusNotFound, "finding "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, query(g, id))
}

// impactQuery matches resources by substring and returns them with every
// finding that depends on them.
func (a *api) impactQuery(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("resource")
	if pattern == "" {
		writeError(w, r, http.StatusBadRequest, "resource query parameter is required")
		return
	}
	g, err := a.graph(r)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, g.QueryResource(pattern))
}

func (a *api) graph(r *http.Request) (*impact.Graph, error) {
	ctx := r.Context()
	findings, err := a.findings.List(ctx, history.FindingFilter{Limit: graphLimit})
	if err != nil {
		return nil, err
	}
	links, err := a.findings.AllLinks(ctx)
	if err != nil {
		return nil, err
	}
	return impact.Build(findings, links), nil
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.findings.Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) ruleErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := a.findings.RuleErrors(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if errs == nil {
		errs = []store.RuleError{}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (a *api) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}
