package sqlite

// Schema defines the SQLite database schema. Every statement is
// idempotent so Open can run it on each boot.
const Schema = `
-- Latest alarm state per alarm, written by the checkpoint loop and read
-- once at boot. fingerprint guards restores across config edits.
CREATE TABLE IF NOT EXISTS alarm_checkpoints (
	alarm_id    TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	state_json  TEXT NOT NULL,
	saved_at    TIMESTAMP NOT NULL
);

-- Append-only journal of alarm state changes.
CREATE TABLE IF NOT EXISTS transitions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	alarm_id     TEXT NOT NULL,
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	at           TIMESTAMP NOT NULL,
	reason       TEXT NOT NULL,
	severity     TEXT NOT NULL,
	namespace    TEXT NOT NULL,
	metric_name  TEXT NOT NULL,
	period_start TIMESTAMP NOT NULL,
	created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transitions_alarm ON transitions(alarm_id);
CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at DESC);

-- RCA events, one per episode opening.
CREATE TABLE IF NOT EXISTS rca_events (
	event_id       TEXT PRIMARY KEY,
	rule_id        TEXT NOT NULL,
	episode_id     TEXT NOT NULL,
	classification TEXT NOT NULL,
	severity       TEXT NOT NULL,
	confidence     REAL NOT NULL,
	triggered_at   TIMESTAMP NOT NULL,
	evidence_json  TEXT NOT NULL,
	advice_json    TEXT NOT NULL,
	created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_rca_events_rule ON rca_events(rule_id);
CREATE INDEX IF NOT EXISTS idx_rca_events_triggered ON rca_events(triggered_at DESC);

-- Episode lifecycle, upserted on open and again on close.
CREATE TABLE IF NOT EXISTS episodes (
	episode_id TEXT PRIMARY KEY,
	rule_id    TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP,
	active     BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_episodes_rule ON episodes(rule_id);
CREATE INDEX IF NOT EXISTS idx_episodes_started ON episodes(started_at DESC);

-- Per-sink delivery audit, both successes and exhausted retries.
CREATE TABLE IF NOT EXISTS dispatch_outcomes (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	notification_id TEXT NOT NULL,
	sink            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	attempts        INTEGER NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	at              TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatch_outcomes_at ON dispatch_outcomes(at DESC);
CREATE INDEX IF NOT EXISTS idx_dispatch_outcomes_outcome ON dispatch_outcomes(outcome);

-- Mined recurring-episode patterns, replaced wholesale on each pass.
CREATE TABLE IF NOT EXISTS episode_patterns (
	id           TEXT PRIMARY KEY,
	rule_id      TEXT NOT NULL,
	namespace    TEXT NOT NULL DEFAULT '',
	prevalence   REAL NOT NULL,
	pattern_json TEXT NOT NULL,
	mined_at     TIMESTAMP NOT NULL
);
`
