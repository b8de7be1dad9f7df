package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ppiankov/configwatch/internal/store"
)

// AppendLink records a correlation link. Re-appending an existing link is a no-op.
func (s *Store) AppendLink(ctx context.Context, l store.CorrelationLink) error {
	at := l.CreatedAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO correlation_links (from_finding_id, to_finding_id, relation, created_at) VALUES (?, ?, ?, ?)",
		l.FromFindingID, l.ToFindingID, l.Relation, at)
	if err != nil {
		return fmt.Errorf("inserting correlation link: %w", err)
	}
	return nil
}

// LinksFrom returns links whose source is findingID.
func (s *Store) LinksFrom(ctx context.Context, findingID string) ([]store.CorrelationLink, error) {
	return s.queryLinks(ctx, "WHERE from_finding_id = ?", findingID)
}

// LinksTo returns links pointing at findingID, i.e. findings that depend on it.
func (s *Store) LinksTo(ctx context.Context, findingID string) ([]store.CorrelationLink, error) {
	return s.queryLinks(ctx, "WHERE to_finding_id = ?", findingID)
}

// AllLinks returns every recorded link.
func (s *Store) AllLinks(ctx context.Context) ([]store.CorrelationLink, error) {
	return s.queryLinks(ctx, "")
}

func (s *Store) queryLinks(ctx context.Context, where string, args ...any) ([]store.CorrelationLink, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT from_finding_id, to_finding_id, relation, created_at FROM correlation_links "+where+" ORDER BY id",
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying correlation links: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var links []store.CorrelationLink
	for rows.Next() {
		var l store.CorrelationLink
		if err := rows.Scan(&l.FromFindingID, &l.ToFindingID, &l.Relation, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning correlation link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// RecordRuleErrors persists rule faults reported by an evaluation.
func (s *Store) RecordRuleErrors(ctx context.Context, errs []store.RuleError) error {
	if len(errs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // commit below; rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO rule_errors (id, rule_name, resource_type, resource_id, message, at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing rule error insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // statement lifetime bounded by tx

	for i := range errs {
		e := &errs[i]
		if _, err := stmt.ExecContext(ctx, e.ID, e.RuleName, e.ResourceType, e.ResourceID, e.Message, e.At); err != nil {
			return fmt.Errorf("inserting rule error: %w", err)
		}
	}
	return tx.Commit()
}

// RuleErrors returns the most recent rule faults, newest first.
func (s *Store) RuleErrors(ctx context.Context, limit int) ([]store.RuleError, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, rule_name, resource_type, resource_id, message, at FROM rule_errors ORDER BY at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("querying rule errors: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var out []store.RuleError
	for rows.Next() {
		var e store.RuleError
		if err := rows.Scan(&e.ID, &e.RuleName, &e.ResourceType, &e.ResourceID, &e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("scanning rule error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSnapshot stores snap as the latest known configuration of its resource.
func (s *Store) SaveSnapshot(ctx context.Context, snap *store.ResourceSnapshot) error {
	cfg := snap.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	config, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding snapshot config: %w", err)
	}
	tags, err := encodeList(snap.Tags)
	if err != nil {
		return fmt.Errorf("encoding snapshot tags: %w", err)
	}
	at := snap.CapturedAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots (resource_type, resource_id, account_id, region, config, tags, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_type, resource_id) DO UPDATE SET
			account_id = excluded.account_id, region = excluded.region,
			config = excluded.config, tags = excluded.tags, captured_at = excluded.captured_at`,
		snap.ResourceType, snap.ResourceID, snap.AccountID, snap.Region, string(config), tags, at)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the last stored snapshot of a resource.
func (s *Store) LatestSnapshot(ctx context.Context, rt store.ResourceType, id string) (*store.ResourceSnapshot, error) {
	var (
		snap   store.ResourceSnapshot
		config string
		tags   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT resource_type, resource_id, account_id, region, config, tags, captured_at FROM snapshots WHERE resource_type = ? AND resource_id = ?",
		rt, id).Scan(&snap.ResourceType, &snap.ResourceID, &snap.AccountID, &snap.Region, &config, &tags, &snap.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s/%s: %w", rt, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &snap.Config); err != nil {
		return nil, fmt.Errorf("decoding snapshot config: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &snap.Tags); err != nil {
		return nil, fmt.Errorf("decoding snapshot tags: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot forgets the stored snapshot of a deleted resource.
func (s *Store) DeleteSnapshot(ctx context.Context, rt store.ResourceType, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE resource_type = ? AND resource_id = ?", rt, id); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}
