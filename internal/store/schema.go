package store

// schemaVersion is bumped whenever schemaStatements changes.
const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id                 TEXT PRIMARY KEY,
		suite_id           TEXT NOT NULL,
		suite_version      INTEGER NOT NULL,
		status             TEXT NOT NULL,
		threshold_snapshot TEXT NOT NULL,
		pipeline_config    TEXT,
		summary            TEXT,
		overall_passed     BOOLEAN,
		gate_failures      TEXT,
		error              TEXT NOT NULL DEFAULT '',
		pipeline_version   TEXT NOT NULL DEFAULT '',
		git_commit_sha     TEXT NOT NULL DEFAULT '',
		git_branch         TEXT NOT NULL DEFAULT '',
		triggered_by       TEXT NOT NULL DEFAULT '',
		notes              TEXT NOT NULL DEFAULT '',
		created_at         BIGINT NOT NULL,
		started_at         BIGINT,
		completed_at       BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_suite_status ON runs (suite_id, status, started_at)`,
	`CREATE TABLE IF NOT EXISTS case_results (
		id                 TEXT PRIMARY KEY,
		run_id             TEXT NOT NULL REFERENCES runs (id),
		test_case_id       TEXT NOT NULL,
		query              TEXT NOT NULL DEFAULT '',
		scores             TEXT NOT NULL,
		rules_passed       BOOLEAN,
		rules_detail       TEXT,
		passed             BOOLEAN NOT NULL,
		failure_reason     TEXT,
		raw_output         TEXT NOT NULL DEFAULT '',
		retrieved_contexts TEXT,
		tool_calls         TEXT,
		duration_ms        BIGINT NOT NULL,
		evaluated_at       BIGINT NOT NULL,
		UNIQUE (run_id, test_case_id)
	)`,
	`CREATE TABLE IF NOT EXISTS metric_history (
		id               TEXT PRIMARY KEY,
		suite_id         TEXT NOT NULL,
		metric_name      TEXT NOT NULL,
		value            DOUBLE PRECISION NOT NULL,
		recorded_at      BIGINT NOT NULL,
		run_id           TEXT NOT NULL,
		pipeline_version TEXT NOT NULL DEFAULT '',
		git_commit_sha   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metric_history_lookup ON metric_history (suite_id, metric_name, recorded_at)`,
}
