// Package sqlite persists engine state and history in a single SQLite
// file: alarm-state checkpoints for restart recovery, append-only
// transition and RCA event journals, episode lifecycle, dispatch
// outcomes, and mined patterns. The layer is optional; the engine runs
// purely in-memory when no path is configured.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vigilstack/gchealth/internal/models"
)

// Delivery outcomes recorded in the dispatch journal.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// Store wraps the SQLite handle. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint is one alarm's persisted state plus the config fingerprint
// it was evaluated under.
type Checkpoint struct {
	AlarmID     string
	Fingerprint string
	State       models.AlarmState
	SavedAt     time.Time
}

// StoreCheckpoint upserts the checkpoint for one alarm.
func (s *Store) StoreCheckpoint(ctx context.Context, cp Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	query := `
		INSERT INTO alarm_checkpoints (alarm_id, fingerprint, state_json, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(alarm_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			state_json = excluded.state_json,
			saved_at = excluded.saved_at
	`

	_, err = s.db.ExecContext(ctx, query, cp.AlarmID, cp.Fingerprint, string(stateJSON), cp.SavedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

// Checkpoints returns every saved checkpoint, ordered by alarm id.
func (s *Store) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT alarm_id, fingerprint, state_json, saved_at FROM alarm_checkpoints ORDER BY alarm_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var stateJSON string
		if err := rows.Scan(&cp.AlarmID, &cp.Fingerprint, &stateJSON, &cp.SavedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return cps, nil
}

// SweepCheckpoints deletes checkpoints for alarms no longer configured.
func (s *Store) SweepCheckpoints(ctx context.Context, live []string) error {
	var err error
	if len(live) == 0 {
		_, err = s.db.ExecContext(ctx, "DELETE FROM alarm_checkpoints")
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(live)), ",")
		args := make([]any, len(live))
		for i, id := range live {
			args[i] = id
		}
		_, err = s.db.ExecContext(ctx,
			"DELETE FROM alarm_checkpoints WHERE alarm_id NOT IN ("+placeholders+")", args...)
	}
	if err != nil {
		return fmt.Errorf("failed to sweep checkpoints: %w", err)
	}
	return nil
}

// StoreTransition appends one state change to the transition journal.
func (s *Store) StoreTransition(ctx context.Context, tr models.StateTransition) error {
	query := `
		INSERT INTO transitions (
			alarm_id, from_state, to_state, at, reason, severity,
			namespace, metric_name, period_start
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		tr.AlarmID,
		string(tr.From),
		string(tr.To),
		tr.At.UTC(),
		tr.Reason,
		string(tr.Severity),
		tr.Namespace,
		tr.MetricName,
		tr.PeriodStart.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store transition: %w", err)
	}
	return nil
}

// TransitionFilter narrows a transition journal query.
type TransitionFilter struct {
	AlarmID string
	State   models.StateValue
	Since   time.Time
	Limit   int
}

// QueryTransitions retrieves journal entries, newest first.
func (s *Store) QueryTransitions(ctx context.Context, filter TransitionFilter) ([]models.StateTransition, error) {
	query := `
		SELECT alarm_id, from_state, to_state, at, reason, severity,
		       namespace, metric_name, period_start
		FROM transitions
		WHERE 1=1
	`
	args := []any{}

	if filter.AlarmID != "" {
		query += " AND alarm_id = ?"
		args = append(args, filter.AlarmID)
	}
	if filter.State != "" {
		query += " AND to_state = ?"
		args = append(args, string(filter.State))
	}
	if !filter.Since.IsZero() {
		query += " AND at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 100"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var trs []models.StateTransition
	for rows.Next() {
		var tr models.StateTransition
		err := rows.Scan(
			&tr.AlarmID,
			&tr.From,
			&tr.To,
			&tr.At,
			&tr.Reason,
			&tr.Severity,
			&tr.Namespace,
			&tr.MetricName,
			&tr.PeriodStart,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		trs = append(trs, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return trs, nil
}

// StoreEvent appends one RCA event with its evidence. Replaying an
// already stored event id is a no-op.
func (s *Store) StoreEvent(ctx context.Context, ev models.RCAEvent) error {
	evidenceJSON, err := json.Marshal(ev.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	adviceJSON, err := json.Marshal(ev.Advice)
	if err != nil {
		return fmt.Errorf("failed to marshal advice: %w", err)
	}

	query := `
		INSERT INTO rca_events (
			event_id, rule_id, episode_id, classification, severity,
			confidence, triggered_at, evidence_json, advice_json
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		ev.EventID,
		ev.RuleID,
		ev.EpisodeID,
		ev.Classification,
		string(ev.Severity),
		ev.Confidence,
		ev.TriggeredAt.UTC(),
		string(evidenceJSON),
		string(adviceJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// EventFilter narrows an RCA event history query.
type EventFilter struct {
	RuleID         string
	Classification string
	Since          time.Time
	Limit          int
}

// QueryEvents retrieves RCA events, newest first.
func (s *Store) QueryEvents(ctx context.Context, filter EventFilter) ([]models.RCAEvent, error) {
	query := `
		SELECT event_id, rule_id, episode_id, classification, severity,
		       confidence, triggered_at, evidence_json, advice_json
		FROM rca_events
		WHERE 1=1
	`
	args := []any{}

	if filter.RuleID != "" {
		query += " AND rule_id = ?"
		args = append(args, filter.RuleID)
	}
	if filter.Classification != "" {
		query += " AND classification = ?"
		args = append(args, filter.Classification)
	}
	if !filter.Since.IsZero() {
		query += " AND triggered_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY triggered_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 100"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.RCAEvent
	for rows.Next() {
		var ev models.RCAEvent
		var evidenceJSON, adviceJSON string
		err := rows.Scan(
			&ev.EventID,
			&ev.RuleID,
			&ev.EpisodeID,
			&ev.Classification,
			&ev.Severity,
			&ev.Confidence,
			&ev.TriggeredAt,
			&evidenceJSON,
			&adviceJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(evidenceJSON), &ev.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
		if err := json.Unmarshal([]byte(adviceJSON), &ev.Advice); err != nil {
			return nil, fmt.Errorf("failed to unmarshal advice: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

// UpsertEpisode records an episode opening or updates it on close.
func (s *Store) UpsertEpisode(ctx context.Context, ep models.Episode) error {
	var endedAt any
	if !ep.EndedAt.IsZero() {
		endedAt = ep.EndedAt.UTC()
	}

	query := `
		INSERT INTO episodes (episode_id, rule_id, event_id, started_at, ended_at, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(episode_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			active = excluded.active
	`

	_, err := s.db.ExecContext(ctx, query,
		ep.EpisodeID,
		ep.RuleID,
		ep.EventID,
		ep.StartedAt.UTC(),
		endedAt,
		ep.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert episode: %w", err)
	}
	return nil
}

// QueryEpisodes retrieves episodes, newest first. With activeOnly set
// only open episodes are returned.
func (s *Store) QueryEpisodes(ctx context.Context, activeOnly bool, limit int) ([]models.Episode, error) {
	query := `
		SELECT episode_id, rule_id, event_id, started_at, ended_at, active
		FROM episodes
		WHERE 1=1
	`
	args := []any{}

	if activeOnly {
		query += " AND active = 1"
	}

	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	} else {
		query += " LIMIT 100"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var eps []models.Episode
	for rows.Next() {
		var ep models.Episode
		var endedAt sql.NullTime
		if err := rows.Scan(&ep.EpisodeID, &ep.RuleID, &ep.EventID, &ep.StartedAt, &endedAt, &ep.Active); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if endedAt.Valid {
			ep.EndedAt = endedAt.Time
		}
		eps = append(eps, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return eps, nil
}

// DispatchOutcome is one row of the delivery audit journal.
type DispatchOutcome struct {
	NotificationID string
	Sink           string
	Kind           models.NotificationKind
	Outcome        string
	Attempts       int
	Error          string
	At             time.Time
}

// StoreDispatchOutcome appends one delivery outcome.
func (s *Store) StoreDispatchOutcome(ctx context.Context, o DispatchOutcome) error {
	query := `
		INSERT INTO dispatch_outcomes (notification_id, sink, kind, outcome, attempts, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		o.NotificationID,
		o.Sink,
		string(o.Kind),
		o.Outcome,
		o.Attempts,
		o.Error,
		o.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store dispatch outcome: %w", err)
	}
	return nil
}

// QueryDispatchFailures retrieves exhausted-retry records, newest first.
func (s *Store) QueryDispatchFailures(ctx context.Context, limit int) ([]models.DispatchFailure, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT notification_id, kind, sink, attempts, error, at
		FROM dispatch_outcomes
		WHERE outcome = ?
		ORDER BY at DESC
		LIMIT ?
	`, OutcomeFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch failures: %w", err)
	}
	defer rows.Close()

	var failures []models.DispatchFailure
	for rows.Next() {
		var f models.DispatchFailure
		if err := rows.Scan(&f.NotificationID, &f.Kind, &f.Sink, &f.Attempts, &f.LastError, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return failures, nil
}

// StorePatterns replaces the mined pattern set wholesale.
func (s *Store) StorePatterns(ctx context.Context, patterns []models.EpisodePattern) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM episode_patterns"); err != nil {
		return fmt.Errorf("failed to clear patterns: %w", err)
	}

	query := `
		INSERT INTO episode_patterns (id, rule_id, namespace, prevalence, pattern_json, mined_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, p := range patterns {
		patternJSON, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal pattern: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			p.ID, p.RuleID, p.Namespace, p.Prevalence, string(patternJSON), p.LastSeen.UTC()); err != nil {
			return fmt.Errorf("failed to store pattern: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit patterns: %w", err)
	}
	return nil
}

// QueryPatterns retrieves mined patterns ordered by prevalence.
func (s *Store) QueryPatterns(ctx context.Context) ([]models.EpisodePattern, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT pattern_json FROM episode_patterns ORDER BY prevalence DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []models.EpisodePattern
	for rows.Next() {
		var patternJSON string
		if err := rows.Scan(&patternJSON); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var p models.EpisodePattern
		if err := json.Unmarshal([]byte(patternJSON), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return patterns, nil
}

// Prune deletes journal rows older than cutoff. Checkpoints, patterns,
// and still-open episodes are kept.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) error {
	queries := []string{
		`DELETE FROM transitions WHERE at < ?`,
		`DELETE FROM rca_events WHERE triggered_at < ?`,
		`DELETE FROM episodes WHERE started_at < ? AND active = 0`,
		`DELETE FROM dispatch_outcomes WHERE at < ?`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q, cutoff.UTC()); err != nil {
			return fmt.Errorf("failed to prune: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	_, _ = s.db.ExecContext(ctx, `PRAGMA optimize`)
	return nil
}
