// Package aggregate recomputes per-title popularity from the raw engagement
// log. Every run is a full-window recomputation: duplicates or late events
// change a score but never accumulate drift, and running twice over the same
// data yields identical snapshots.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mediapulse/internal/models"
	"mediapulse/internal/telemetry"
)

// ErrRunInProgress is returned when a run is requested while another is
// still executing, in this process or elsewhere.
var ErrRunInProgress = errors.New("aggregation run already in progress")

// EventSource scans the event log for a window. Events written after the
// scan's upper bound are excluded by construction.
type EventSource interface {
	EventsInRange(ctx context.Context, from, to time.Time) ([]models.EngagementEvent, error)
}

// SnapshotSink replaces the snapshot set for a window atomically with
// respect to readers. It returns ErrRunInProgress if another writer holds
// the window.
type SnapshotSink interface {
	ReplaceSnapshots(ctx context.Context, windowStart, windowEnd time.Time, snaps []models.PopularitySnapshot) error
}

// Weights is the scoring policy. The defaults are placeholders; product owns
// the real numbers.
type Weights struct {
	PlayStart           float64
	PlayEnd             float64
	CompletionBonus     float64
	CompletionThreshold float64
}

// DefaultWeights returns the documented default scoring policy.
func DefaultWeights() Weights {
	return Weights{PlayStart: 1, PlayEnd: 2, CompletionBonus: 1, CompletionThreshold: 0.95}
}

// Report summarizes one completed run.
type Report struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Events      int
	Titles      int
}

// Aggregator computes popularity snapshots. It holds no state between runs
// beyond the re-entrancy flag.
type Aggregator struct {
	source  EventSource
	sink    SnapshotSink
	weights Weights
	window  time.Duration
	log     *zap.Logger
	running atomic.Bool
}

func New(source EventSource, sink SnapshotSink, weights Weights, window time.Duration, log *zap.Logger) *Aggregator {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{source: source, sink: sink, weights: weights, window: window, log: log}
}

// Run executes one aggregation pass. The window's upper bound is captured
// before the scan, so events arriving mid-run never leak in. A second
// concurrent invocation is rejected with ErrRunInProgress.
func (a *Aggregator) Run(ctx context.Context) (Report, error) {
	if !a.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer a.running.Store(false)

	windowEnd := time.Now().UTC().Truncate(time.Second)
	windowStart := windowEnd.Add(-a.window)

	events, err := a.source.EventsInRange(ctx, windowStart, windowEnd)
	if err != nil {
		telemetry.AggregateFailures.Inc()
		return Report{}, fmt.Errorf("scan events: %w", err)
	}

	snaps := a.Score(events, windowStart, windowEnd)

	if err := a.sink.ReplaceSnapshots(ctx, windowStart, windowEnd, snaps); err != nil {
		telemetry.AggregateFailures.Inc()
		if errors.Is(err, ErrRunInProgress) {
			return Report{}, err
		}
		return Report{}, fmt.Errorf("write snapshots: %w", err)
	}

	telemetry.AggregateRuns.Inc()
	report := Report{WindowStart: windowStart, WindowEnd: windowEnd, Events: len(events), Titles: len(snaps)}
	a.log.Info("aggregation run complete",
		zap.Time("window_start", windowStart),
		zap.Time("window_end", windowEnd),
		zap.Int("events", report.Events),
		zap.Int("titles", report.Titles))
	return report, nil
}

// Score computes one snapshot per title from the events of a window. Pure:
// same events and window in, same snapshots out, regardless of event order.
func (a *Aggregator) Score(events []models.EngagementEvent, windowStart, windowEnd time.Time) []models.PopularitySnapshot {
	scores := make(map[string]float64)
	for _, ev := range events {
		if ev.TitleID == nil || *ev.TitleID == "" {
			continue
		}
		var w float64
		switch ev.EventType {
		case models.EventPlayStart:
			w = a.weights.PlayStart
		case models.EventPlayEnd:
			w = a.weights.PlayEnd
			if progress(ev) >= a.weights.CompletionThreshold {
				w += a.weights.CompletionBonus
			}
		default:
			continue
		}
		scores[*ev.TitleID] += w
	}

	titles := make([]string, 0, len(scores))
	for title := range scores {
		titles = append(titles, title)
	}
	sort.Strings(titles)

	computedAt := windowEnd
	snaps := make([]models.PopularitySnapshot, 0, len(titles))
	for _, title := range titles {
		snaps = append(snaps, models.PopularitySnapshot{
			TitleID:     title,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
			Score:       scores[title],
			ComputedAt:  computedAt,
		})
	}
	return snaps
}

func progress(ev models.EngagementEvent) float64 {
	if ev.Metadata == nil {
		return 0
	}
	switch v := ev.Metadata["progress"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
