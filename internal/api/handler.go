package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/circuitbreaker"
	"github.com/lalithlochan/cadence/internal/db"
	"github.com/lalithlochan/cadence/internal/eligibility"
	"github.com/lalithlochan/cadence/internal/launch"
	"github.com/lalithlochan/cadence/internal/metrics"
	"github.com/lalithlochan/cadence/internal/redis"
	"github.com/lalithlochan/cadence/internal/reply"
)

type Launcher interface {
	Launch(ctx context.Context, req launch.Request) (*launch.Result, error)
}

type ReplyHandler interface {
	Handle(ctx context.Context, s reply.Signal) (*reply.Result, error)
}

// CampaignRepository covers the campaign and queue operations the API exposes
// directly.
type CampaignRepository interface {
	SetCampaignStatus(ctx context.Context, id uuid.UUID, to db.CampaignStatus, from ...db.CampaignStatus) error
	ListQueue(ctx context.Context, campaignID uuid.UUID, status *db.QueueStatus, limit, offset int) ([]*db.QueueEntry, error)
}

type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Forget(ctx context.Context, scope, key string) error
}

// LaunchRequest is the body of POST /v1/campaigns/launch.
type LaunchRequest struct {
	CampaignID   string `json:"campaignId"`
	CampaignType string `json:"campaignType,omitempty"`
}

// ReplyRequest is the body of POST /v1/webhooks/replies.
type ReplyRequest struct {
	CampaignID       string     `json:"campaignId,omitempty"`
	RecipientAddress string     `json:"recipientAddress"`
	AccountID        string     `json:"accountId,omitempty"`
	MessageID        string     `json:"messageId,omitempty"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
}

// ErrorResponse represents an error in problem+json format. The launch
// endpoint adds error, suggestion and breakdown.
type ErrorResponse struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Status     int            `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
	Breakdown  map[string]int `json:"breakdown,omitempty"`
}

type Handler struct {
	logger         *zap.Logger
	launcher       Launcher
	replies        ReplyHandler
	campaigns      CampaignRepository
	idempotency    Idempotency // nil if Redis not configured
	idempotencyTTL time.Duration
	breakers       *circuitbreaker.Registry
}

func NewHandler(logger *zap.Logger, launcher Launcher, replies ReplyHandler, campaigns CampaignRepository) *Handler {
	return &Handler{
		logger:    logger,
		launcher:  launcher,
		replies:   replies,
		campaigns: campaigns,
		breakers:  circuitbreaker.NewRegistry(),
	}
}

// WithIdempotency enables Idempotency-Key replay on the launch endpoint.
func (h *Handler) WithIdempotency(svc Idempotency, ttl time.Duration) *Handler {
	h.idempotency = svc
	h.idempotencyTTL = ttl
	return h
}

func (h *Handler) WithBreakers(reg *circuitbreaker.Registry) *Handler {
	h.breakers = reg
	return h
}

// Routes registers the campaign and admin endpoints. The reply webhook is
// mounted separately so it can carry its own signature check.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/campaigns/launch", h.LaunchCampaign)
	r.Post("/campaigns/{id}/pause", h.PauseCampaign)
	r.Post("/campaigns/{id}/resume", h.ResumeCampaign)
	r.Get("/campaigns/{id}/queue", h.ListQueue)
	r.Get("/admin/breakers", h.BreakerStats)
	r.Post("/admin/breakers/{name}/reset", h.ResetBreaker)
}

// LaunchCampaign handles POST /v1/campaigns/launch.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) LaunchCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaignId", "campaignId must be a valid UUID")
		return
	}

	campaignType := db.CampaignType(req.CampaignType)
	switch campaignType {
	case "", db.CampaignDirectMessage, db.CampaignConnectThenMessage:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaignType",
			"campaignType must be direct-message or connect-then-message")
		return
	}

	scope := "launch:" + campaignID.String()
	key := r.Header.Get("Idempotency-Key")
	useKey := key != "" && h.idempotency != nil

	if useKey {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, key)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
			useKey = false
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			contentType := "application/json"
			if cached.StatusCode >= 400 {
				contentType = "application/problem+json"
			}
			w.Header().Set("Content-Type", contentType)
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	result, err := h.launcher.Launch(ctx, launch.Request{CampaignID: campaignID, CampaignType: campaignType})

	status := http.StatusOK
	var body any = result
	if err != nil {
		resp := h.launchError(err)
		status, body = resp.Status, resp
		h.logger.Warn("launch rejected",
			zap.String("campaign_id", campaignID.String()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	payload, merr := json.Marshal(body)
	if merr != nil {
		h.logger.Error("failed to encode launch response", zap.Error(merr))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if useKey {
		// only outcomes that a retry would reproduce are replayed
		sctx := context.WithoutCancel(ctx)
		if replayable(status) {
			stored := &redis.IdempotencyResult{StatusCode: status, Body: payload}
			if err := h.idempotency.Store(sctx, scope, key, stored, h.idempotencyTTL); err != nil {
				h.logger.Warn("failed to store idempotency result",
					zap.Error(err),
					zap.String("idempotency_key", key),
				)
			}
		} else if err := h.idempotency.Forget(sctx, scope, key); err != nil {
			h.logger.Warn("failed to release idempotency key",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	contentType := "application/json"
	if status >= 400 {
		contentType = "application/problem+json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func replayable(status int) bool {
	switch status {
	case http.StatusOK, http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (h *Handler) launchError(err error) ErrorResponse {
	var gate *eligibility.GateError
	if errors.As(err, &gate) {
		breakdown := make(map[string]int, len(gate.Breakdown))
		for c, n := range gate.Breakdown {
			breakdown[string(c)] = n
		}
		return ErrorResponse{
			Type:       "eligibility_failed",
			Title:      "Prospects failed the eligibility check",
			Status:     http.StatusUnprocessableEntity,
			Detail:     gate.Error(),
			Error:      gate.Error(),
			Suggestion: gate.Suggestion(),
			Breakdown:  breakdown,
		}
	}

	resp := ErrorResponse{Detail: err.Error(), Error: err.Error()}
	switch {
	case errors.Is(err, launch.ErrCampaignNotFound):
		resp.Type, resp.Title, resp.Status = "not_found", "Campaign not found", http.StatusNotFound
	case launch.IsConfigError(err):
		resp.Type, resp.Title, resp.Status = "invalid_campaign", "Campaign cannot be launched", http.StatusBadRequest
	case errors.Is(err, launch.ErrLaunchInProgress):
		resp.Type, resp.Title, resp.Status = "launch_in_progress", "Launch already in progress", http.StatusConflict
	case errors.Is(err, launch.ErrBudgetExceeded):
		resp.Type, resp.Title, resp.Status = "launch_timeout", "Launch did not finish in time", http.StatusGatewayTimeout
	default:
		// storage details stay in the logs
		resp.Type, resp.Title, resp.Status = "launch_failed", "Failed to launch campaign", http.StatusInternalServerError
		resp.Detail, resp.Error = "", launch.ErrPersistence.Error()
	}
	return resp
}

// PauseCampaign handles POST /v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, db.CampaignPaused, db.CampaignActive)
}

// ResumeCampaign handles POST /v1/campaigns/{id}/resume
func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, db.CampaignActive, db.CampaignPaused)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, to, from db.CampaignStatus) {
	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	err = h.campaigns.SetCampaignStatus(r.Context(), campaignID, to, from)
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
		return
	case errors.Is(err, db.ErrStatusTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Campaign status cannot change",
			"campaign must be "+string(from)+" to become "+string(to))
		return
	case err != nil:
		h.logger.Error("failed to update campaign status",
			zap.Error(err),
			zap.String("campaign_id", idStr),
			zap.String("status", string(to)),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update campaign", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     idStr,
		"status": string(to),
	})
}

// ListQueue handles GET /v1/campaigns/{id}/queue?status=pending&limit=20&offset=0
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	var status *db.QueueStatus
	if s := r.URL.Query().Get("status"); s != "" {
		qs := db.QueueStatus(s)
		switch qs {
		case db.QueuePending, db.QueueSending, db.QueueSent, db.QueueCancelled, db.QueueFailed:
			status = &qs
		default:
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
				"status must be one of: pending, sending, sent, cancelled, failed")
			return
		}
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	entries, err := h.campaigns.ListQueue(r.Context(), campaignID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list queue",
			zap.Error(err),
			zap.String("campaign_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list queue", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   entries,
		"limit":  limit,
		"offset": offset,
		"count":  len(entries),
	})
}

// HandleReply handles POST /v1/webhooks/replies
func (h *Handler) HandleReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	signal := reply.Signal{
		RecipientAddress:  req.RecipientAddress,
		AccountID:         req.AccountID,
		ExternalMessageID: req.MessageID,
	}
	if req.CampaignID != "" {
		id, err := uuid.Parse(req.CampaignID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaignId", "campaignId must be a valid UUID")
			return
		}
		signal.CampaignID = &id
	}
	if req.Timestamp != nil {
		signal.ReceivedAt = *req.Timestamp
	}

	res, err := h.replies.Handle(r.Context(), signal)
	switch {
	case errors.Is(err, reply.ErrInvalidSignal):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipientAddress", err.Error())
		return
	case errors.Is(err, reply.ErrInProgress):
		h.writeError(w, http.StatusConflict, "reply_in_progress", "Reply is already being processed", "")
		return
	case errors.Is(err, reply.ErrRetryable):
		w.Header().Set("Retry-After", "30")
		h.writeError(w, http.StatusServiceUnavailable, "reply_not_applied", "Reply could not be applied", "retry the delivery")
		return
	case err != nil:
		h.logger.Error("failed to handle reply", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to handle reply", "")
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// BreakerStats handles GET /v1/admin/breakers
func (h *Handler) BreakerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.breakers.Stats()})
}

// ResetBreaker handles POST /v1/admin/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.breakers.Reset(name) {
		h.writeError(w, http.StatusNotFound, "not_found", "Breaker not found", "")
		return
	}

	h.logger.Info("circuit breaker reset", zap.String("breaker", name))
	writeJSON(w, http.StatusOK, map[string]string{
		"name":  name,
		"state": circuitbreaker.StateClosed.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
