package history

import (
	"database/sql"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS findings (
    finding_id            TEXT PRIMARY KEY,
    dedup_key             TEXT NOT NULL,
    resource_id           TEXT NOT NULL,
    resource_type         TEXT NOT NULL,
    account_id            TEXT NOT NULL DEFAULT '',
    region                TEXT NOT NULL DEFAULT '',
    severity              TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL,
    title                 TEXT NOT NULL DEFAULT '',
    description           TEXT NOT NULL DEFAULT '',
    violations            TEXT NOT NULL DEFAULT '[]',
    correlated_finding_id TEXT NOT NULL DEFAULT '',
    first_detected_at     DATETIME NOT NULL,
    last_evaluated_at     DATETIME NOT NULL,
    resolved_at           DATETIME,
    version               INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_findings_active
    ON findings(resource_id, dedup_key) WHERE status IN ('open', 'in_progress');
CREATE INDEX IF NOT EXISTS idx_findings_resource ON findings(resource_id, dedup_key, last_evaluated_at);
CREATE INDEX IF NOT EXISTS idx_findings_status ON findings(status, severity);

CREATE TABLE IF NOT EXISTS correlation_links (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    from_finding_id TEXT NOT NULL,
    to_finding_id   TEXT NOT NULL,
    relation        TEXT NOT NULL,
    created_at      DATETIME NOT NULL,
    UNIQUE (from_finding_id, to_finding_id, relation)
);

CREATE INDEX IF NOT EXISTS idx_links_to ON correlation_links(to_finding_id);

CREATE TABLE IF NOT EXISTS rule_errors (
    id            TEXT PRIMARY KEY,
    rule_name     TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id   TEXT NOT NULL,
    message       TEXT NOT NULL DEFAULT '',
    at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    resource_type TEXT NOT NULL,
    resource_id   TEXT NOT NULL,
    account_id    TEXT NOT NULL DEFAULT '',
    region        TEXT NOT NULL DEFAULT '',
    config        TEXT NOT NULL DEFAULT '{}',
    tags          TEXT NOT NULL DEFAULT '[]',
    captured_at   DATETIME NOT NULL,
    PRIMARY KEY (resource_type, resource_id)
);
`

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	// v2: correlation annotations and partial-evaluation flag (idempotent)
	for _, stmt := range []string{
		"ALTER TABLE findings ADD COLUMN annotations TEXT NOT NULL DEFAULT '[]'",
		"ALTER TABLE findings ADD COLUMN partially_evaluated BOOLEAN NOT NULL DEFAULT 0",
	} {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return err
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	// SQLite returns "duplicate column name" when the column already exists.
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
