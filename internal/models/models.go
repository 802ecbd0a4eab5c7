package models

import (
	"time"
)

// Job lifecycle states tracked by the broker.
const (
	StatusPending      = "pending"
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusFailed       = "failed" // attempt failed, awaiting its retry
	StatusDeadLettered = "dead_lettered"
)

// Job is a unit of asynchronous work owned by the queue broker for its
// lifetime. Payload ownership transfers to the handler only while it runs.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Payload     map[string]any `json:"payload"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	BaseDelay   time.Duration  `json:"base_delay"`
	Status      string         `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Engagement event types recorded by ingestion.
const (
	EventPlayStart = "PLAY_START"
	EventPlayEnd   = "PLAY_END"
)

// EngagementEvent is an append-only engagement record. OccurredAt is the
// event's logical timestamp, independent of when ingestion saw it.
type EngagementEvent struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	ProfileID  *string        `json:"profile_id,omitempty"`
	TitleID    *string        `json:"title_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PopularitySnapshot is one title's score for an aggregation window.
// Snapshots for a window are replaced wholesale on every run.
type PopularitySnapshot struct {
	TitleID     string    `json:"title_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Score       float64   `json:"score"`
	ComputedAt  time.Time `json:"computed_at"`
}

// AuditLogEntry is a write-only operational record, persisted best-effort.
type AuditLogEntry struct {
	ActorID   *string   `json:"actor_id,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
