// Package impact answers blast-radius questions over correlation links: which
// findings depend on an insecure resource.
package impact

import (
	"strings"

	"github.com/ppiankov/configwatch/internal/store"
)

// Graph indexes findings by id and resource, and links in both directions.
type Graph struct {
	byID          map[string]int
	resourceIndex map[string][]int
	dependents    map[string][]string // dependency finding id -> primary finding ids
	dependencies  map[string][]string // primary finding id -> dependency finding ids
	findings      []store.Finding
}

// Build creates an impact graph from findings and the links between them.
// Links whose endpoints are not among findings are kept, so a dependency can
// be queried by id even when only its dependents were loaded.
func Build(findings []store.Finding, links []store.CorrelationLink) *Graph {
	g := &Graph{
		byID:          make(map[string]int, len(findings)),
		resourceIndex: make(map[string][]int),
		dependents:    make(map[string][]string),
		dependencies:  make(map[string][]string),
		findings:      findings,
	}

	for i := range findings {
		f := &findings[i]
		g.byID[f.ID] = i
		key := strings.ToLower(f.ResourceID)
		g.resourceIndex[key] = append(g.resourceIndex[key], i)
	}
	for _, l := range links {
		g.dependents[l.ToFindingID] = append(g.dependents[l.ToFindingID], l.FromFindingID)
		g.dependencies[l.FromFindingID] = append(g.dependencies[l.FromFindingID], l.ToFindingID)
	}

	return g
}

// Finding returns the indexed finding with the given id.
func (g *Graph) Finding(id string) (store.Finding, bool) {
	i, ok := g.byID[id]
	if !ok {
		return store.Finding{}, false
	}
	return g.findings[i], true
}

// walk collects every finding reachable from start through edges, excluding start.
func walk(edges map[string][]string, start string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range edges[id] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}
