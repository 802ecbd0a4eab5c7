// Package audit persists operational records on a strictly best-effort
// basis. Losing an audit row is preferable to failing the operation being
// audited, so Record never returns an error; the outcome enum keeps the
// policy visible at call sites.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mediapulse/internal/models"
	"mediapulse/internal/telemetry"
)

// Outcome reports what happened to a record.
type Outcome int

const (
	Recorded Outcome = iota
	Dropped
)

func (o Outcome) String() string {
	if o == Recorded {
		return "recorded"
	}
	return "dropped"
}

// Sink is the storage surface the recorder writes through.
type Sink interface {
	InsertAuditLog(ctx context.Context, entry models.AuditLogEntry) error
}

// Recorder writes audit entries through a sink, swallowing failures.
type Recorder struct {
	sink Sink
	log  *zap.Logger
}

func NewRecorder(sink Sink, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{sink: sink, log: log}
}

// Record persists the entry if it can. Storage failures are downgraded to a
// warning and Dropped; callers never see them.
func (r *Recorder) Record(ctx context.Context, entry models.AuditLogEntry) Outcome {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if r.sink == nil {
		return Dropped
	}
	if err := r.sink.InsertAuditLog(ctx, entry); err != nil {
		telemetry.AuditDropped.Inc()
		r.log.Warn("audit record dropped",
			zap.String("action", entry.Action),
			zap.String("resource", entry.Resource),
			zap.Error(err))
		return Dropped
	}
	return Recorded
}
