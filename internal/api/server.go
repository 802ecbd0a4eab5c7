package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mediapulse/internal/audit"
	"mediapulse/internal/cache"
	"mediapulse/internal/config"
	"mediapulse/internal/experiment"
	"mediapulse/internal/ingest"
	"mediapulse/internal/models"
	"mediapulse/internal/queue"
	"mediapulse/internal/store"
	"mediapulse/internal/telemetry"
)

// TrendingReader is the snapshot read surface the trending endpoint needs.
type TrendingReader interface {
	TopTitles(ctx context.Context, limit int) ([]models.PopularitySnapshot, error)
}

// EventReader looks up single ingested events.
type EventReader interface {
	EventByID(ctx context.Context, id string) (models.EngagementEvent, error)
}

// Server wires the thin HTTP surface over the core: enqueue, ingest,
// trending reads, variant lookup. Everything interesting happens below it.
type Server struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	ingestor *ingest.Ingestor
	trending TrendingReader
	events   EventReader
	cache    *cache.Cache
	recorder *audit.Recorder
	log      *zap.Logger
}

func New(cfg config.Config, q *queue.RedisQueue, ing *ingest.Ingestor, trending TrendingReader, events EventReader, c *cache.Cache, rec *audit.Recorder, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, queue: q, ingestor: ing, trending: trending, events: events, cache: c, recorder: rec, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/queues/{queue}/jobs", s.handleEnqueue)
	r.Get("/queues/{queue}/dead", s.handleDeadLettered)
	r.Post("/events", s.handleIngest)
	r.Get("/events/{id}", s.handleEventByID)
	r.Get("/titles/trending", s.handleTrending)
	r.Get("/experiments/{experiment}/variant", s.handleVariant)
	return r
}

type enqueueRequest struct {
	Payload     map[string]any `json:"payload"`
	MaxAttempts int            `json:"max_attempts"`
	BaseDelayMS int            `json:"base_delay_ms"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	var opts *queue.Options
	if req.MaxAttempts > 0 || req.BaseDelayMS > 0 {
		opts = &queue.Options{
			MaxAttempts: req.MaxAttempts,
			BaseDelay:   time.Duration(req.BaseDelayMS) * time.Millisecond,
		}
	}

	job, err := s.queue.Enqueue(r.Context(), queueName, req.Payload, opts)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownQueue) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Error("enqueue", zap.String("queue", queueName), zap.Error(err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.WithLabelValues(queueName).Inc()
	if s.recorder != nil {
		s.recorder.Record(r.Context(), models.AuditLogEntry{
			Action:   "job.enqueued",
			Resource: queueName + "/" + job.ID,
		})
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDeadLettered(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	jobs, err := s.queue.DeadLettered(r.Context(), queueName, 100)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownQueue) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "failed to read dead set", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var events []models.EngagementEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.ingestor.Ingest(r.Context(), events)
	if err != nil {
		s.log.Error("ingest", zap.Error(err))
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleEventByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := s.events.EventByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Error("event read", zap.String("id", id), zap.Error(err))
		http.Error(w, "event lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

const trendingCacheKey = "trending:titles"

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.TrendingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	key := trendingCacheKey + ":" + strconv.Itoa(limit)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	snaps, err := s.trending.TopTitles(r.Context(), limit)
	if err != nil {
		// The cache never masks the source of truth being down.
		s.log.Error("trending read", zap.Error(err))
		http.Error(w, "trending unavailable", http.StatusServiceUnavailable)
		return
	}
	payload := map[string]any{"titles": snaps}
	if s.cache != nil {
		s.cache.Set(key, payload, s.cfg.TrendingCacheTTL)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "experiment")
	seed := r.URL.Query().Get("seed")
	if seed == "" {
		http.Error(w, "seed is required", http.StatusBadRequest)
		return
	}
	variants := strings.Split(r.URL.Query().Get("variants"), ",")
	cleaned := variants[:0]
	for _, v := range variants {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	assignment, err := experiment.AssignVariant(name, seed, cleaned)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
