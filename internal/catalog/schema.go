package catalog

const schemaVersion = 1

// schemaV1 is the artifact fact table plus its side tables. Rows in artifacts
// are never deleted and only the status column may change; the triggers turn
// any other mutation into an error so the invariant holds for every writer.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	artifact_id    TEXT    NOT NULL UNIQUE,
	artifact_type  TEXT    NOT NULL,
	schema_version INTEGER NOT NULL,
	logical_key    TEXT    NOT NULL,
	format         TEXT    NOT NULL,
	status         TEXT    NOT NULL CHECK (status IN ('active', 'superseded', 'tombstoned')),
	path_data      TEXT    NOT NULL UNIQUE,
	path_sidecar   TEXT    NOT NULL,
	file_hash      TEXT    NOT NULL,
	content_hash   TEXT    NOT NULL,
	row_count      INTEGER NOT NULL CHECK (row_count >= 0),
	min_ts         INTEGER,
	max_ts         INTEGER,
	created_at     INTEGER NOT NULL,
	writer         TEXT    NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_artifacts_file_hash ON artifacts(artifact_type, file_hash);
CREATE INDEX IF NOT EXISTS idx_artifacts_content_hash ON artifacts(artifact_type, content_hash);
CREATE INDEX IF NOT EXISTS idx_artifacts_logical_key ON artifacts(artifact_type, logical_key, created_at);
CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at);

CREATE TABLE IF NOT EXISTS artifact_inputs (
	artifact_id       TEXT    NOT NULL REFERENCES artifacts(artifact_id),
	input_artifact_id TEXT    NOT NULL REFERENCES artifacts(artifact_id),
	position          INTEGER NOT NULL,
	PRIMARY KEY (artifact_id, input_artifact_id)
);

CREATE INDEX IF NOT EXISTS idx_artifact_inputs_reverse ON artifact_inputs(input_artifact_id);

CREATE TABLE IF NOT EXISTS artifact_tags (
	artifact_id TEXT NOT NULL REFERENCES artifacts(artifact_id),
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	PRIMARY KEY (artifact_id, key)
);

CREATE INDEX IF NOT EXISTS idx_artifact_tags_kv ON artifact_tags(key, value);

CREATE TABLE IF NOT EXISTS status_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	artifact_id TEXT    NOT NULL REFERENCES artifacts(artifact_id),
	from_status TEXT    NOT NULL,
	to_status   TEXT    NOT NULL,
	caused_by   TEXT    NOT NULL DEFAULT '',
	reason      TEXT    NOT NULL DEFAULT '',
	at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_status_events_artifact ON status_events(artifact_id, seq);

CREATE TRIGGER IF NOT EXISTS artifacts_no_delete
BEFORE DELETE ON artifacts
BEGIN
	SELECT RAISE(ABORT, 'artifacts are append-only');
END;

CREATE TRIGGER IF NOT EXISTS artifacts_status_only
BEFORE UPDATE ON artifacts
WHEN NEW.artifact_id IS NOT OLD.artifact_id
  OR NEW.artifact_type IS NOT OLD.artifact_type
  OR NEW.schema_version IS NOT OLD.schema_version
  OR NEW.logical_key IS NOT OLD.logical_key
  OR NEW.format IS NOT OLD.format
  OR NEW.path_data IS NOT OLD.path_data
  OR NEW.path_sidecar IS NOT OLD.path_sidecar
  OR NEW.file_hash IS NOT OLD.file_hash
  OR NEW.content_hash IS NOT OLD.content_hash
  OR NEW.row_count IS NOT OLD.row_count
  OR NEW.min_ts IS NOT OLD.min_ts
  OR NEW.max_ts IS NOT OLD.max_ts
  OR NEW.created_at IS NOT OLD.created_at
  OR NEW.writer IS NOT OLD.writer
BEGIN
	SELECT RAISE(ABORT, 'only artifact status is mutable');
END;

CREATE TRIGGER IF NOT EXISTS artifact_inputs_no_mutation
BEFORE UPDATE ON artifact_inputs
BEGIN
	SELECT RAISE(ABORT, 'lineage edges are immutable');
END;

CREATE TRIGGER IF NOT EXISTS artifact_inputs_no_delete
BEFORE DELETE ON artifact_inputs
BEGIN
	SELECT RAISE(ABORT, 'lineage edges are immutable');
END;
`
