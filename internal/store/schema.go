package store

// Pragmas applied to every connection. WAL keeps readers off the writer's
// back; synchronous=FULL makes each committed transition durable before the
// call returns, which the crash-safety contract depends on.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA synchronous=FULL",
}

// Timestamps are unix nanoseconds. Job state is denormalized from the
// targets for cheap listing, but every write recomputes it in the same
// transaction as the target change, so the pair can never drift.
const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	source_path   TEXT NOT NULL,
	size          INTEGER NOT NULL,
	hash_alg      TEXT NOT NULL,
	source_digest TEXT NOT NULL DEFAULT '',
	source_xxh64  TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	discovered_at INTEGER NOT NULL,
	verified_at   INTEGER,
	cleaned_at    INTEGER,
	attempts      INTEGER NOT NULL DEFAULT 0,
	next_attempt  INTEGER,
	failure_code  TEXT NOT NULL DEFAULT '',
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

-- One live claim per source path. A claim releases when the source is
-- cleaned up (or the job row is archived away); failed jobs hold theirs so
-- a poisoned file is surfaced once, not rediscovered every scan.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_live_source
	ON jobs(source_path) WHERE cleaned_at IS NULL;

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_cleaned ON jobs(cleaned_at);

CREATE TABLE IF NOT EXISTS targets (
	job_id       TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	root         TEXT NOT NULL,
	staged_path  TEXT NOT NULL DEFAULT '',
	final_path   TEXT NOT NULL DEFAULT '',
	digest       TEXT NOT NULL DEFAULT '',
	xxh64        TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	next_attempt INTEGER,
	failure_code TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (job_id, name)
);
`

const schemaVersion = "1"
