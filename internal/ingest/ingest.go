// Package ingest records engagement events append-only. Validation is
// deliberately minimal; all derived computation belongs to the aggregator.
package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediapulse/internal/models"
	"mediapulse/internal/telemetry"
)

// Reason codes for rejected events.
const (
	ReasonMissingEventType  = "missing_event_type"
	ReasonMissingOccurredAt = "missing_occurred_at"
)

// Rejection identifies one invalid event within a batch by its index.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the per-item outcome of a batch. A batch with some invalid
// events still persists the valid ones.
type Result struct {
	Accepted []models.EngagementEvent `json:"accepted"`
	Rejected []Rejection              `json:"rejected"`
}

// Writer is the storage surface ingestion appends through.
type Writer interface {
	AppendEvents(ctx context.Context, events []models.EngagementEvent) error
}

// Ingestor validates and persists engagement events.
type Ingestor struct {
	store Writer
	log   *zap.Logger
}

func New(store Writer, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{store: store, log: log}
}

// Ingest persists the valid subset of the batch and reports per-item
// results. No deduplication happens here; the aggregator is built to
// tolerate duplicates. The returned error covers storage failure only, in
// which case nothing from the batch was persisted.
func (i *Ingestor) Ingest(ctx context.Context, events []models.EngagementEvent) (Result, error) {
	var res Result
	for idx, ev := range events {
		if reason, ok := validate(ev); !ok {
			res.Rejected = append(res.Rejected, Rejection{Index: idx, Reason: reason})
			continue
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		res.Accepted = append(res.Accepted, ev)
	}

	if len(res.Accepted) > 0 {
		if err := i.store.AppendEvents(ctx, res.Accepted); err != nil {
			return Result{}, fmt.Errorf("append events: %w", err)
		}
	}

	telemetry.EventsIngested.Add(float64(len(res.Accepted)))
	telemetry.EventsRejected.Add(float64(len(res.Rejected)))
	if len(res.Rejected) > 0 {
		i.log.Info("rejected events in batch",
			zap.Int("accepted", len(res.Accepted)),
			zap.Int("rejected", len(res.Rejected)))
	}
	return res, nil
}

func validate(ev models.EngagementEvent) (string, bool) {
	if ev.EventType == "" {
		return ReasonMissingEventType, false
	}
	if ev.OccurredAt.IsZero() {
		return ReasonMissingOccurredAt, false
	}
	return "", true
}
