package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Suvan8806/DriftWatch/internal/ingest"
	"github.com/Suvan8806/DriftWatch/internal/metrics"
	"github.com/Suvan8806/DriftWatch/internal/simulator"
	"github.com/Suvan8806/DriftWatch/internal/storage"
)

const (
	recentEventLimit = 10
	maxEventLimit    = 1000
	maxBodyBytes     = 1 << 20
)

// Handlers wires the HTTP edge to the pipeline and store.
type Handlers struct {
	pipeline *ingest.Pipeline
	repo     *storage.Repository
	store    *storage.Store
	runner   *simulator.Runner
	met      *metrics.Metrics
	log      *slog.Logger
	started  time.Time
}

func NewHandlers(pipeline *ingest.Pipeline, repo *storage.Repository, store *storage.Store, runner *simulator.Runner, met *metrics.Metrics, log *slog.Logger) *Handlers {
	return &Handlers{
		pipeline: pipeline,
		repo:     repo,
		store:    store,
		runner:   runner,
		met:      met,
		log:      log,
		started:  time.Now(),
	}
}

type telemetryRequest struct {
	ServiceID string     `json:"service_id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	LatencyMS *float64   `json:"latency_ms"`
	PayloadKB *float64   `json:"payload_kb"`
}

// Telemetry accepts one sample. 202 on enqueue, 422 on validation failure,
// 503 when the queue is full.
func (h *Handlers) Telemetry(w http.ResponseWriter, r *http.Request) {
	h.met.SamplesReceived.Inc()
	var req telemetryRequest
	if verr := decodeJSON(w, r, &req); verr != nil {
		h.met.SamplesRejected.WithLabelValues("validation").Inc()
		writeValidationError(w, verr)
		return
	}
	now := time.Now().UTC()
	if verr := validateTelemetry(&req, now); verr != nil {
		h.met.SamplesRejected.WithLabelValues("validation").Inc()
		writeValidationError(w, verr)
		return
	}
	ts := now
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	sample := storage.Sample{
		ServiceID:  req.ServiceID,
		Timestamp:  ts,
		LatencyMS:  *req.LatencyMS,
		PayloadKB:  *req.PayloadKB,
		IngestedAt: now,
	}
	if err := h.pipeline.Submit(sample); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			h.met.SamplesRejected.WithLabelValues("queue_full").Inc()
			writeError(w, http.StatusServiceUnavailable, "queue_full")
			return
		}
		h.log.Error("submit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.met.SamplesAccepted.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"service_id": sample.ServiceID,
		"timestamp":  sample.Timestamp,
	})
}

type baselineView struct {
	SampleCount   int       `json:"sample_count"`
	MeanLatency   float64   `json:"mean_latency"`
	StddevLatency float64   `json:"stddev_latency"`
	MeanPayload   float64   `json:"mean_payload"`
	StddevPayload float64   `json:"stddev_payload"`
	P50Latency    *float64  `json:"p50_latency,omitempty"`
	P95Latency    *float64  `json:"p95_latency,omitempty"`
	P99Latency    *float64  `json:"p99_latency,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}

func toBaselineView(b storage.Baseline) *baselineView {
	return &baselineView{
		SampleCount:   b.SampleCount,
		MeanLatency:   b.MeanLatency,
		StddevLatency: b.StddevLatency,
		MeanPayload:   b.MeanPayload,
		StddevPayload: b.StddevPayload,
		P50Latency:    b.P50Latency,
		P95Latency:    b.P95Latency,
		P99Latency:    b.P99Latency,
		LastUpdated:   b.LastUpdated,
	}
}

type driftEventView struct {
	ServiceID      string          `json:"service_id,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
	PreviousState  string          `json:"previous_state"`
	NewState       string          `json:"new_state"`
	TriggerSamples json.RawMessage `json:"trigger_samples,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

type zscoreView struct {
	Timestamp     time.Time `json:"timestamp"`
	LatencyZScore float64   `json:"latency_zscore"`
	PayloadZScore float64   `json:"payload_zscore"`
}

// Health returns the detailed view for one service: state, baseline, recent
// drift events.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	if verr := validateServiceID(serviceID); verr != nil {
		writeValidationError(w, verr)
		return
	}
	ctx := r.Context()
	health, err := h.repo.GetHealth(ctx, serviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown service")
			return
		}
		h.internalError(w, err)
		return
	}
	resp := map[string]any{
		"service_id":           serviceID,
		"state":                health.State,
		"transition_timestamp": health.TransitionTimestamp,
	}
	if len(health.Metadata) > 0 {
		resp["metadata"] = health.Metadata
	}
	if n, err := h.repo.SampleCount(ctx, serviceID); err == nil {
		resp["sample_count"] = n
	}
	if b, err := h.repo.GetBaseline(ctx, serviceID); err == nil {
		resp["baseline"] = toBaselineView(b)
	}
	events, err := h.repo.RecentDriftEvents(ctx, serviceID, recentEventLimit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	views := make([]driftEventView, len(events))
	for i, e := range events {
		views[i] = driftEventView{
			DetectedAt:     e.DetectedAt,
			PreviousState:  e.PreviousState,
			NewState:       e.NewState,
			TriggerSamples: e.TriggerSamples,
			Metadata:       e.Metadata,
		}
	}
	resp["recent_events"] = views
	zs, err := h.repo.RecentZScores(ctx, serviceID, recentEventLimit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	zviews := make([]zscoreView, len(zs))
	for i, z := range zs {
		zviews[i] = zscoreView{
			Timestamp:     z.Timestamp,
			LatencyZScore: z.LatencyZScore,
			PayloadZScore: z.PayloadZScore,
		}
	}
	resp["recent_zscores"] = zviews
	writeJSON(w, http.StatusOK, resp)
}

// Events lists the newest drift events across all services.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	limit := recentEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventLimit {
			writeValidationError(w, invalid("limit", "must be between 1 and 1000"))
			return
		}
		limit = n
	}
	events, err := h.repo.AllRecentDriftEvents(r.Context(), limit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	views := make([]driftEventView, len(events))
	for i, e := range events {
		views[i] = driftEventView{
			ServiceID:      e.ServiceID,
			DetectedAt:     e.DetectedAt,
			PreviousState:  e.PreviousState,
			NewState:       e.NewState,
			TriggerSamples: e.TriggerSamples,
			Metadata:       e.Metadata,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

// ResetHealth returns a service to INSUFFICIENT_DATA.
func (h *Handlers) ResetHealth(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	if verr := validateServiceID(serviceID); verr != nil {
		writeValidationError(w, verr)
		return
	}
	if err := h.pipeline.Reset(r.Context(), serviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown service")
			return
		}
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service_id": serviceID,
		"state":      storage.StateInsufficientData,
	})
}

// Baseline returns the cached statistics for one service.
func (h *Handlers) Baseline(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	if verr := validateServiceID(serviceID); verr != nil {
		writeValidationError(w, verr)
		return
	}
	b, err := h.repo.GetBaseline(r.Context(), serviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no baseline for service")
			return
		}
		h.internalError(w, err)
		return
	}
	resp := map[string]any{
		"service_id": serviceID,
		"baseline":   toBaselineView(b),
	}
	writeJSON(w, http.StatusOK, resp)
}

// SystemStatus summarizes the whole process.
func (h *Handlers) SystemStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.SystemStats(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                  "ok",
		"uptime_seconds":          int64(time.Since(h.started).Seconds()),
		"services_monitored":      stats.ServiceCount,
		"total_telemetry_records": stats.TotalSamples,
		"database_size_mb":        float64(stats.BytesOnDisk) / (1 << 20),
		"queue_depth":             h.pipeline.QueueDepth(),
		"active_simulations":      h.runner.ActiveCount(),
	})
}

type simulateRequest struct {
	ServiceID     string  `json:"service_id"`
	Pattern       string  `json:"pattern"`
	Count         int     `json:"count"`
	RatePerSecond float64 `json:"rate_per_second"`
	BaseLatencyMS float64 `json:"base_latency_ms"`
	BasePayloadKB float64 `json:"base_payload_kb"`
	Seed          int64   `json:"seed"`
}

// Simulate starts a background synthetic traffic run feeding the pipeline.
func (h *Handlers) Simulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if verr := decodeJSON(w, r, &req); verr != nil {
		writeValidationError(w, verr)
		return
	}
	if verr := validateServiceID(req.ServiceID); verr != nil {
		writeValidationError(w, verr)
		return
	}
	pattern, err := simulator.ParsePattern(req.Pattern)
	if err != nil {
		writeValidationError(w, invalid("pattern", err.Error()))
		return
	}
	if req.Count <= 0 || req.Count > 100000 {
		writeValidationError(w, invalid("count", "must be between 1 and 100000"))
		return
	}
	if req.RatePerSecond <= 0 {
		req.RatePerSecond = 10
	}
	if req.BaseLatencyMS <= 0 {
		req.BaseLatencyMS = 100
	}
	if req.BasePayloadKB <= 0 {
		req.BasePayloadKB = 64
	}
	if req.Seed == 0 {
		req.Seed = time.Now().UnixNano()
	}
	spec := simulator.RunSpec{
		ServiceID:     req.ServiceID,
		Pattern:       pattern,
		Count:         req.Count,
		RatePerSecond: req.RatePerSecond,
		BaseLatencyMS: req.BaseLatencyMS,
		BasePayloadKB: req.BasePayloadKB,
		Seed:          req.Seed,
	}
	sink := simulator.SinkFunc(func(_ context.Context, serviceID string, ts time.Time, latencyMS, payloadKB float64) error {
		return h.pipeline.Submit(storage.Sample{
			ServiceID:  serviceID,
			Timestamp:  ts,
			LatencyMS:  latencyMS,
			PayloadKB:  payloadKB,
			IngestedAt: time.Now().UTC(),
		})
	})
	// detached from the request context so the run outlives the response
	id := h.runner.Start(context.WithoutCancel(r.Context()), spec, sink)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"simulation_id": id,
		"service_id":    req.ServiceID,
		"pattern":       string(pattern),
		"count":         req.Count,
	})
}

// Liveness reports whether the store still answers.
func (h *Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Index lists the API surface.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "driftwatch",
		"endpoints": []string{
			"POST /v1/telemetry",
			"GET /v1/health/{service_id}",
			"POST /v1/health/{service_id}/reset",
			"GET /v1/baseline/{service_id}",
			"GET /v1/events",
			"GET /v1/system/status",
			"POST /v1/simulate",
			"GET /health",
			"GET /metrics",
		},
	})
}

func (h *Handlers) internalError(w http.ResponseWriter, err error) {
	h.log.Error("request failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *validationError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid("body", "must be a valid JSON document with known fields")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeValidationError emits the two-key validation failure body; detail
// carries the offending field and the reason as one "field: reason" string.
func writeValidationError(w http.ResponseWriter, verr *validationError) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
		"error":  "validation_failed",
		"detail": verr.Error(),
	})
}
