// Package history provides persistent finding storage using SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/ppiankov/configwatch/internal/store"
)

// Store persists findings, correlation links, rule errors and the latest
// snapshot of each resource to SQLite. Writes to an existing finding are
// conditional on its version.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return New(db), nil
}

// New wraps an already migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const findingColumns = `finding_id, dedup_key, resource_id, resource_type, account_id, region,
	severity, status, title, description, violations, correlated_finding_id, annotations,
	partially_evaluated, first_detected_at, last_evaluated_at, resolved_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinding(row rowScanner) (*store.Finding, error) {
	var (
		f           store.Finding
		violations  string
		annotations string
		resolvedAt  sql.NullTime
	)
	err := row.Scan(&f.ID, &f.DedupKey, &f.ResourceID, &f.ResourceType, &f.AccountID, &f.Region,
		&f.Severity, &f.Status, &f.Title, &f.Description, &violations, &f.CorrelatedFindingID, &annotations,
		&f.PartiallyEvaluated, &f.FirstDetectedAt, &f.LastEvaluatedAt, &resolvedAt, &f.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(violations), &f.Violations); err != nil {
		return nil, fmt.Errorf("decoding violations of %s: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(annotations), &f.Annotations); err != nil {
		return nil, fmt.Errorf("decoding annotations of %s: %w", f.ID, err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		f.ResolvedAt = &t
	}
	return &f, nil
}

func encodeList[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

// Lookup returns the finding for (resourceID, dedupKey): the active one if it
// exists, otherwise the most recently evaluated terminal one. It returns nil
// when the resource has never been flagged.
func (s *Store) Lookup(ctx context.Context, resourceID, dedupKey string) (*store.Finding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings
		WHERE resource_id = ? AND dedup_key = ?
		ORDER BY CASE WHEN status IN ('open', 'in_progress') THEN 0 ELSE 1 END, last_evaluated_at DESC
		LIMIT 1`, resourceID, dedupKey)
	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up finding: %w", err)
	}
	return f, nil
}

// Get returns a finding by id.
func (s *Store) Get(ctx context.Context, id string) (*store.Finding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings WHERE finding_id = ?`, id)
	f, err := scanFinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying finding: %w", err)
	}
	return f, nil
}

// Apply persists a lifecycle mutation and returns the stored finding. Creates
// fail with store.ErrConflict when an active finding already exists for the
// dedup key; updates and resolves fail with store.ErrConflict when the stored
// version no longer matches ExpectedVersion.
func (s *Store) Apply(ctx context.Context, m store.Mutation) (*store.Finding, error) {
	switch m.Kind {
	case store.MutationNoop:
		return nil, nil
	case store.MutationCreate:
		return s.insert(ctx, m.Finding)
	case store.MutationUpdate, store.MutationResolve:
		return s.update(ctx, m.Finding, m.ExpectedVersion)
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

func (s *Store) insert(ctx context.Context, f *store.Finding) (*store.Finding, error) {
	violations, err := encodeList(f.Violations)
	if err != nil {
		return nil, fmt.Errorf("encoding violations: %w", err)
	}
	annotations, err := encodeList(f.Annotations)
	if err != nil {
		return nil, fmt.Errorf("encoding annotations: %w", err)
	}

	out := *f
	out.Version = 1
	_, err = s.db.ExecContext(ctx, `INSERT INTO findings (`+findingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.DedupKey, out.ResourceID, out.ResourceType, out.AccountID, out.Region,
		out.Severity, out.Status, out.Title, out.Description, violations, out.CorrelatedFindingID, annotations,
		out.PartiallyEvaluated, out.FirstDetectedAt, out.LastEvaluatedAt, nullTime(out.ResolvedAt), out.Version)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("inserting finding %s: %w", out.ID, store.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting finding: %w", err)
	}
	return &out, nil
}

func (s *Store) update(ctx context.Context, f *store.Finding, expected int) (*store.Finding, error) {
	violations, err := encodeList(f.Violations)
	if err != nil {
		return nil, fmt.Errorf("encoding violations: %w", err)
	}
	annotations, err := encodeList(f.Annotations)
	if err != nil {
		return nil, fmt.Errorf("encoding annotations: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE findings SET
		severity = ?, status = ?, title = ?, description = ?, violations = ?,
		correlated_finding_id = ?, annotations = ?, partially_evaluated = ?,
		last_evaluated_at = ?, resolved_at = ?, version = version + 1
		WHERE finding_id = ? AND version = ?`,
		f.Severity, f.Status, f.Title, f.Description, violations,
		f.CorrelatedFindingID, annotations, f.PartiallyEvaluated,
		f.LastEvaluatedAt, nullTime(f.ResolvedAt), f.ID, expected)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("updating finding %s: %w", f.ID, store.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("updating finding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("finding %s at version %d: %w", f.ID, expected, store.ErrConflict)
	}
	out := *f
	out.Version = expected + 1
	return &out, nil
}

// SetStatus applies an operator override. Only open, in_progress and
// false_positive can be set this way; resolution belongs to the engine.
func (s *Store) SetStatus(ctx context.Context, id string, status store.Status) (*store.Finding, error) {
	switch status {
	case store.StatusOpen, store.StatusInProgress, store.StatusFalsePositive:
	default:
		return nil, fmt.Errorf("status %q cannot be set manually: %w", status, store.ErrInvalidTransition)
	}
	f, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status == store.StatusResolved {
		return nil, fmt.Errorf("finding %s is resolved: %w", id, store.ErrInvalidTransition)
	}
	if f.Status == status {
		return f, nil
	}
	f.Status = status
	f.LastEvaluatedAt = s.now().UTC()
	return s.update(ctx, f, f.Version)
}

// FindingFilter narrows List results. Empty fields match everything.
type FindingFilter struct {
	Status       store.Status
	Severity     store.Severity
	ResourceType store.ResourceType
	ResourceID   string
	Limit        int
}

// List returns findings matching the filter, most recently evaluated first.
func (s *Store) List(ctx context.Context, filter FindingFilter) ([]store.Finding, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}

	query := `SELECT ` + findingColumns + ` FROM findings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_evaluated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying findings: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var findings []store.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning finding: %w", err)
		}
		findings = append(findings, *f)
	}
	return findings, rows.Err()
}

// Stats counts active findings by severity and all findings by status.
type Stats struct {
	BySeverity map[store.Severity]int `json:"bySeverity"`
	ByStatus   map[store.Status]int   `json:"byStatus"`
	Total      int                    `json:"total"`
}

// Stats returns finding counts for dashboards and metrics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{BySeverity: map[store.Severity]int{}, ByStatus: map[store.Status]int{}}
	rows, err := s.db.QueryContext(ctx, "SELECT status, severity, COUNT(*) FROM findings GROUP BY status, severity")
	if err != nil {
		return st, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	for rows.Next() {
		var (
			status store.Status
			sev    store.Severity
			n      int
		)
		if err := rows.Scan(&status, &sev, &n); err != nil {
			return st, fmt.Errorf("scanning stats: %w", err)
		}
		st.ByStatus[status] += n
		st.Total += n
		if status.Active() {
			st.BySeverity[sev] += n
		}
	}
	return st, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
