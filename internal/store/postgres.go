package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediapulse/internal/aggregate"
	"mediapulse/internal/models"
)

// snapshotLockID keys the advisory lock serializing snapshot replacement
// across instances.
const snapshotLockID = 730_001

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of events, snapshots, and
// audit records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AppendEvents persists a batch of events in one transaction via COPY.
// Either the whole batch lands or none of it does.
func (s *Store) AppendEvents(ctx context.Context, events []models.EngagementEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		metadata, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for event %s: %w", ev.ID, err)
		}
		rows = append(rows, []any{ev.ID, ev.EventType, ev.ProfileID, ev.TitleID, ev.OccurredAt, metadata})
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"engagement_events"},
		[]string{"id", "event_type", "profile_id", "title_id", "occurred_at", "metadata"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}
	return tx.Commit(ctx)
}

// EventByID fetches one event.
func (s *Store) EventByID(ctx context.Context, id string) (models.EngagementEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, event_type, profile_id, title_id, occurred_at, metadata
		FROM engagement_events WHERE id = $1
	`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EngagementEvent{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return ev, err
}

// EventsInRange returns events with occurred_at in [from, to), in a stable
// order. The upper bound makes aggregation windows closed against events
// arriving mid-scan.
func (s *Store) EventsInRange(ctx context.Context, from, to time.Time) ([]models.EngagementEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, profile_id, title_id, occurred_at, metadata
		FROM engagement_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at, id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.EngagementEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ReplaceSnapshots swaps the snapshot set for a window in one transaction:
// readers see either the previous complete set or the new one, never a
// partial mix. An advisory lock rejects a concurrent replacement instead of
// interleaving with it.
func (s *Store) ReplaceSnapshots(ctx context.Context, windowStart, windowEnd time.Time, snaps []models.PopularitySnapshot) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, snapshotLockID).Scan(&locked); err != nil {
		return fmt.Errorf("acquire snapshot lock: %w", err)
	}
	if !locked {
		return aggregate.ErrRunInProgress
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM popularity_snapshots WHERE window_start = $1 AND window_end = $2
	`, windowStart, windowEnd); err != nil {
		return fmt.Errorf("clear window: %w", err)
	}

	if len(snaps) > 0 {
		rows := make([][]any, 0, len(snaps))
		for _, snap := range snaps {
			rows = append(rows, []any{snap.TitleID, snap.WindowStart, snap.WindowEnd, snap.Score, snap.ComputedAt})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"popularity_snapshots"},
			[]string{"title_id", "window_start", "window_end", "score", "computed_at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("copy snapshots: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// TopTitles returns the highest-scoring snapshots of the most recent window.
func (s *Store) TopTitles(ctx context.Context, limit int) ([]models.PopularitySnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT title_id, window_start, window_end, score, computed_at
		FROM popularity_snapshots
		WHERE window_end = (SELECT MAX(window_end) FROM popularity_snapshots)
		ORDER BY score DESC, title_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.PopularitySnapshot
	for rows.Next() {
		var snap models.PopularitySnapshot
		if err := rows.Scan(&snap.TitleID, &snap.WindowStart, &snap.WindowEnd, &snap.Score, &snap.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// InsertAuditLog appends one audit row.
func (s *Store) InsertAuditLog(ctx context.Context, entry models.AuditLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, action, resource, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ActorID, entry.Action, entry.Resource, entry.Detail, entry.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (models.EngagementEvent, error) {
	var ev models.EngagementEvent
	var profile, title pgtype.Text
	var metadata []byte
	if err := row.Scan(&ev.ID, &ev.EventType, &profile, &title, &ev.OccurredAt, &metadata); err != nil {
		return models.EngagementEvent{}, err
	}
	ev.ProfileID = textPtr(profile)
	ev.TitleID = textPtr(title)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return models.EngagementEvent{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return ev, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
