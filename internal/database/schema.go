package database

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	file_storage_id TEXT NOT NULL,
	original_filename TEXT,
	manufacturing_process TEXT NOT NULL,
	material TEXT,
	stages TEXT NOT NULL,
	status TEXT NOT NULL,
	stage TEXT NOT NULL,
	stage_index INTEGER NOT NULL DEFAULT 0,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	stages_completed TEXT,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_checkpoint_id TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	stage_index INTEGER NOT NULL,
	state TEXT,
	reasoning_trace TEXT,
	intermediate_results TEXT,
	recoverable BOOLEAN NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON checkpoints(job_id, created_at);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	job_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, created_at);

CREATE TABLE IF NOT EXISTS memories (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	job_id TEXT NOT NULL,
	content TEXT NOT NULL,
	category TEXT,
	metadata TEXT,
	embedding TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_job ON memories(job_id, category)
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	file_storage_id TEXT NOT NULL,
	original_filename TEXT,
	manufacturing_process TEXT NOT NULL,
	material TEXT,
	stages TEXT NOT NULL,
	status TEXT NOT NULL,
	stage TEXT NOT NULL,
	stage_index INTEGER NOT NULL DEFAULT 0,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	stages_completed TEXT,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_checkpoint_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	job_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	stage_index INTEGER NOT NULL,
	state TEXT,
	reasoning_trace TEXT,
	intermediate_results TEXT,
	recoverable BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_job ON checkpoints(job_id, created_at);

CREATE TABLE IF NOT EXISTS events (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	job_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, created_at);

CREATE TABLE IF NOT EXISTS memories (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	job_id TEXT NOT NULL,
	content TEXT NOT NULL,
	category TEXT,
	metadata TEXT,
	embedding TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_job ON memories(job_id, category)
`
