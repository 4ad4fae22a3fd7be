package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/GEJFY/inference-gateway/internal/auth"
	"github.com/GEJFY/inference-gateway/internal/budget"
	"github.com/GEJFY/inference-gateway/internal/ledger"
	"github.com/GEJFY/inference-gateway/internal/pricing"
	"github.com/GEJFY/inference-gateway/internal/provider"
	"github.com/GEJFY/inference-gateway/internal/registry"
	"github.com/GEJFY/inference-gateway/internal/router"
	"github.com/GEJFY/inference-gateway/internal/worker"
	"github.com/GEJFY/inference-gateway/pkg/ratelimit"
)

type Handler struct {
	router   *router.Router
	registry *registry.Registry
	ledger   *ledger.Ledger
	breaker  *budget.Breaker
	queue    worker.Queue       // nil when Redis is not configured
	limiter  *ratelimit.Limiter // nil disables rate limiting
	tracer   trace.Tracer
}

func NewHandler(rt *router.Router, reg *registry.Registry, led *ledger.Ledger, brk *budget.Breaker, queue worker.Queue, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		router:   rt,
		registry: reg,
		ledger:   led,
		breaker:  brk,
		queue:    queue,
		limiter:  limiter,
		tracer:   tracer,
	}
}

// chatRequest extends the OpenAI chat shape with routing controls.
type chatRequest struct {
	Model              string             `json:"model,omitempty"`
	Messages           []provider.Message `json:"messages"`
	MaxTokens          int                `json:"max_tokens,omitempty"`
	Temperature        float64            `json:"temperature,omitempty"`
	Backend            string             `json:"backend,omitempty"`
	Tier               string             `json:"tier,omitempty"`
	DataClassification string             `json:"data_classification,omitempty"`
}

func (h *Handler) toRouterRequest(req *chatRequest, userID, requestID string) (*router.Request, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant:
		default:
			return nil, fmt.Errorf("invalid message role %q", m.Role)
		}
	}
	tier, err := pricing.ParseTier(req.Tier)
	if err != nil {
		return nil, err
	}
	class, err := router.ParseClassification(req.DataClassification)
	if err != nil {
		return nil, err
	}
	return &router.Request{
		Messages:       req.Messages,
		Model:          req.Model,
		Backend:        req.Backend,
		Tier:           tier,
		Classification: class,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		UserID:         userID,
		RequestID:      requestID,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]string{"code": "invalid_request", "message": err.Error()},
	})
}

func statusForCode(code string) int {
	switch code {
	case provider.CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case provider.CodeModelNotFound:
		return http.StatusBadRequest
	case provider.CodeUnavailable:
		return http.StatusServiceUnavailable
	case provider.CodeAllFailed:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// writeRouterError maps the core's machine-readable codes to HTTP statuses.
func writeRouterError(w http.ResponseWriter, err error) {
	code := provider.CodeOf(err)
	writeJSON(w, statusForCode(code), map[string]any{
		"error": map[string]string{"code": code, "message": err.Error()},
	})
}

// prepare handles the per-request boilerplate shared by the inference
// endpoints: auth context, body decode, tracing, rate limiting.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*router.Request, error) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{"code": "unauthorized", "message": "unauthorized"},
		})
		return nil, fmt.Errorf("unauthorized")
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, fmt.Errorf("invalid request body"))
		return nil, err
	}

	routerReq, err := h.toRouterRequest(&req, userID, requestID)
	if err != nil {
		writeValidationError(w, err)
		return nil, err
	}

	_, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("tier", string(routerReq.Tier)),
		attribute.String("data_classification", string(routerReq.Classification)),
	)

	if h.limiter != nil {
		estimatedTokens := routerReq.MaxTokens
		if estimatedTokens <= 0 {
			estimatedTokens = 1000
		}
		allowed, err := h.limiter.Allow(ctx, userID, estimatedTokens)
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]string{"code": "rate_limited", "message": "rate limit exceeded"},
			})
			return nil, fmt.Errorf("rate limit exceeded")
		}
	}

	return routerReq, nil
}

func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, err := h.prepare(w, r)
	if err != nil {
		return
	}

	resp, err := h.router.Complete(r.Context(), req)
	if err != nil {
		writeRouterError(w, err)
		return
	}

	respID := resp.ID
	if respID == "" {
		respID = uuid.New().String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       respID,
		"object":   "chat.completion",
		"model":    resp.Model,
		"provider": resp.Provider,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    provider.RoleAssistant,
					"content": resp.Content,
				},
				"finish_reason": resp.FinishReason,
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"total_tokens":      resp.TotalTokens(),
		},
	})
}

func (h *Handler) HandleChatCompletionsStream(w http.ResponseWriter, r *http.Request) {
	req, err := h.prepare(w, r)
	if err != nil {
		return
	}

	ch, err := h.router.Stream(r.Context(), req)
	if err != nil {
		writeRouterError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for chunk := range ch {
		if chunk.Err != nil {
			payload, _ := json.Marshal(map[string]string{
				"code":    provider.CodeOf(chunk.Err),
				"message": chunk.Err.Error(),
			})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
		if chunk.Delta != "" {
			payload, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{
					"index": 0,
					"delta": map[string]string{"content": chunk.Delta},
				}},
				"provider": chunk.Provider,
				"model":    chunk.Model,
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
	}
}

type embeddingsRequest struct {
	Input              []string `json:"input"`
	Model              string   `json:"model,omitempty"`
	Backend            string   `json:"backend,omitempty"`
	Tier               string   `json:"tier,omitempty"`
	DataClassification string   `json:"data_classification,omitempty"`
}

func (h *Handler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{"code": "unauthorized", "message": "unauthorized"},
		})
		return
	}

	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, fmt.Errorf("invalid request body"))
		return
	}
	if len(req.Input) == 0 {
		writeValidationError(w, fmt.Errorf("input must not be empty"))
		return
	}
	tier, err := pricing.ParseTier(req.Tier)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	class, err := router.ParseClassification(req.DataClassification)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	resp, err := h.router.Embed(ctx, &router.EmbedRequest{
		Texts:          req.Input,
		Model:          req.Model,
		Backend:        req.Backend,
		Tier:           tier,
		Classification: class,
		UserID:         userID,
		RequestID:      auth.GetRequestID(ctx),
	})
	if err != nil {
		writeRouterError(w, err)
		return
	}

	data := make([]any, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		data[i] = map[string]any{"object": "embedding", "index": i, "embedding": emb}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object":   "list",
		"model":    resp.Model,
		"provider": resp.Provider,
		"data":     data,
		"usage":    map[string]int{"prompt_tokens": resp.InputTokens},
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{"code": "unauthorized", "message": "unauthorized"},
		})
		return
	}

	since, until, err := parseWindow(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	summary := h.ledger.UserSummary(userID, since, until).Rounded()
	writeJSON(w, http.StatusOK, summary)
}

// parseWindow reads optional from/to RFC3339 query params; zero values fall
// back to the ledger's default month-to-date window.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	var since, until time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return since, until, fmt.Errorf("invalid 'from' date format (use RFC3339)")
		}
		since = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return since, until, fmt.Errorf("invalid 'to' date format (use RFC3339)")
		}
		until = t
	}
	return since, until, nil
}

type jobRequest struct {
	chatRequest
	CallbackURL string `json:"callback_url,omitempty"`
}

func (h *Handler) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{
			"error": map[string]string{"code": "jobs_disabled", "message": "async jobs require redis"},
		})
		return
	}

	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{"code": "unauthorized", "message": "unauthorized"},
		})
		return
	}

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, fmt.Errorf("invalid request body"))
		return
	}
	if req.CallbackURL != "" && !strings.HasPrefix(req.CallbackURL, "http") {
		writeValidationError(w, fmt.Errorf("callback_url must be an http(s) URL"))
		return
	}

	routerReq, err := h.toRouterRequest(&req.chatRequest, userID, auth.GetRequestID(ctx))
	if err != nil {
		writeValidationError(w, err)
		return
	}

	job := &worker.Job{
		UserID:      userID,
		Request:     routerReq,
		CallbackURL: req.CallbackURL,
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{"code": "internal", "message": err.Error()},
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     job.ID,
		"status": job.Status,
	})
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{
			"error": map[string]string{"code": "jobs_disabled", "message": "async jobs require redis"},
		})
		return
	}

	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	job, err := h.queue.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, worker.ErrJobNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]string{"code": "not_found", "message": "job not found"},
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{"code": "internal", "message": err.Error()},
		})
		return
	}
	if job.UserID != userID {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"code": "not_found", "message": "job not found"},
		})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Admin surface: read-only introspection plus a manual budget reset.

func (h *Handler) HandleAdminStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Status())
}

func (h *Handler) HandleAdminProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

func (h *Handler) HandleAdminCosts(w http.ResponseWriter, r *http.Request) {
	since, until, err := parseWindow(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Summary(since, until).Rounded())
}

func (h *Handler) HandleAdminBudgetReset(w http.ResponseWriter, r *http.Request) {
	h.breaker.Reset()
	writeJSON(w, http.StatusOK, h.breaker.Snapshot())
}

func (h *Handler) HandleAdminHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, h.registry.HealthCheckAll(ctx))
}
