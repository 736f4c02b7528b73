package postgres

import "fmt"

// Schema returns the DDL for the ledger tables using the configured
// names. Applied by deployment tooling, not by the ledger itself.
func (l *Ledger) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id              BIGSERIAL PRIMARY KEY,
	parent_id       BIGINT NOT NULL,
	source_url      TEXT NOT NULL,
	category        VARCHAR(20) NOT NULL,
	local_name      VARCHAR(512) NOT NULL DEFAULT '',
	local_path      VARCHAR(512) NOT NULL DEFAULT '',
	status          VARCHAR(20) NOT NULL DEFAULT 'pending',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	digest          VARCHAR(64) NOT NULL DEFAULT '',
	byte_length     BIGINT NOT NULL DEFAULT 0,
	error_kind      VARCHAR(30) NOT NULL DEFAULT '',
	last_attempt_at TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	CONSTRAINT uq_parent_source UNIQUE (parent_id, source_url)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_parent_local_name
	ON %[1]s (parent_id, local_name) WHERE local_name <> '';
CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s (status);
CREATE INDEX IF NOT EXISTS idx_%[1]s_digest ON %[1]s (digest) WHERE digest <> '';

CREATE TABLE IF NOT EXISTS %[2]s (
	id          BIGSERIAL PRIMARY KEY,
	artifact_id BIGINT NOT NULL REFERENCES %[1]s (id) ON DELETE CASCADE,
	error_kind  VARCHAR(30),
	error_text  TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_%[2]s_artifact ON %[2]s (artifact_id);

CREATE TABLE IF NOT EXISTS %[3]s (
	id            VARCHAR(36) PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	attempted     INTEGER NOT NULL DEFAULT 0,
	succeeded     INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	error_summary TEXT
);
`, l.table, l.errorTable, l.runTable)
}
