package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/kirillkom/ragfusion/internal/config"
	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
	"github.com/kirillkom/ragfusion/internal/observability/metrics"
)

const maxRequestBytes = 1 << 20

// HealthReporter exposes breaker states for /healthz.
type HealthReporter interface {
	BreakerStates() map[string]string
}

type Router struct {
	cfg     config.Config
	runner  ports.PipelineRunner
	health  HealthReporter
	metrics *metrics.HTTPServerMetrics
	logger  *slog.Logger
}

func NewRouter(
	cfg config.Config,
	runner ports.PipelineRunner,
	health HealthReporter,
	httpMetrics *metrics.HTTPServerMetrics,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:     cfg,
		runner:  runner,
		health:  health,
		metrics: httpMetrics,
		logger:  logger,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.Handle("/v1/rag/query", backpressureMiddleware(
		http.HandlerFunc(rt.queryRAG),
		rt.cfg.APIMaxInFlight,
		rt.cfg.APIBackpressureWait,
	))
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var onLimited func(string)
	if rt.metrics != nil {
		onLimited = func(path string) { rt.metrics.RecordRateLimited("api", path) }
	}

	var handler http.Handler = mux
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, onLimited)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware("api", handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if rt.health != nil {
		states := rt.health.BreakerStates()
		for _, state := range states {
			if state == "open" {
				body["status"] = "degraded"
				break
			}
		}
		body["breakers"] = states
	}
	writeJSON(w, http.StatusOK, body)
}

type queryRequest struct {
	Query          string   `json:"query"`
	ExpansionCount int      `json:"expansion_count"`
	TopK           int      `json:"top_k"`
	Alpha          *float64 `json:"alpha"`
}

func (rt *Router) queryRAG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req queryRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	pipelineReq, err := rt.toPipelineRequest(req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	result, err := rt.runner.Run(r.Context(), pipelineReq)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) toPipelineRequest(req queryRequest) (domain.PipelineRequest, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return domain.PipelineRequest{}, domain.WrapError(domain.ErrInvalidInput, "query", errors.New("query is required"))
	}
	if req.ExpansionCount < 0 || req.TopK < 0 {
		return domain.PipelineRequest{}, domain.WrapError(domain.ErrInvalidInput, "query", errors.New("expansion_count and top_k must not be negative"))
	}

	alpha := rt.cfg.HybridAlpha
	if req.Alpha != nil {
		alpha = *req.Alpha
		if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
			return domain.PipelineRequest{}, domain.WrapError(domain.ErrInvalidInput, "query", errors.New("alpha must be within [0,1]"))
		}
	}

	return domain.PipelineRequest{
		Query:          query,
		ExpansionCount: req.ExpansionCount,
		TopK:           req.TopK,
		Alpha:          alpha,
	}, nil
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("rag_query_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
