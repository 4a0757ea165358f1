package store

// schemaVersionV1 stores one row per checkpoint.
const schemaVersionV1 = 1

// currentSchemaVersion is the target schema version for this build.
const currentSchemaVersion = schemaVersionV1

var schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id        TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	node          TEXT NOT NULL,
	snapshot      BLOB NOT NULL,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	PRIMARY KEY (run_id, checkpoint_id),
	UNIQUE (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run_seq ON checkpoints(run_id, seq);
`
