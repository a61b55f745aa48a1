package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chatpilot/internal/config"
	"chatpilot/internal/models"
	"chatpilot/internal/queue"
	"chatpilot/internal/ratelimit"
	"chatpilot/internal/telemetry"
)

// APIKeyStore is the persistence slice key validation needs.
type APIKeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (models.APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
}

// Enqueuer produces jobs from HTTP requests. Implemented by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.Kind, payload any, opts queue.Options) (string, error)
	Stats(ctx context.Context, kind models.Kind) (models.QueueStats, error)
}

// Server wires HTTP handlers for the producer/webhook boundary.
type Server struct {
	queue        Enqueuer
	keys         APIKeyStore
	limiter      *ratelimit.SlidingWindow
	quota        *ratelimit.DailyQuota
	authClass    string
	defaultQuota int
	log          *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, q Enqueuer, keys APIKeyStore, limiter *ratelimit.SlidingWindow, quota *ratelimit.DailyQuota, log *zap.Logger) *Server {
	return &Server{
		queue:        q,
		keys:         keys,
		limiter:      limiter,
		quota:        quota,
		authClass:    config.ClassPublic,
		defaultQuota: cfg.DefaultDailyQuota,
		log:          log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit(config.ClassWebhook))
		r.Post("/webhooks/whatsapp", s.handleWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.apiKeyAuth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope("messages:send"))
			r.Post("/messages", s.handleSendMessage)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(config.ClassUpload))
			r.Use(s.requireScope("kb:write"))
			r.Post("/documents/{id}/index", s.handleIndexDocument)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(config.ClassGeneral))
			r.Get("/queues/{kind}/stats", s.handleStats)
		})
	})

	return r
}

type webhookRequest struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserMessage    string `json:"user_message"`
}

// handleWebhook acknowledges immediately regardless of downstream outcome;
// the channel provider retries on non-2xx and we never want that tied to
// queue health.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	telemetry.WebhookReceived.Inc()

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Warn("webhook body undecodable", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}

	// The AI class caps completion jobs per tenant. A tenant over the cap
	// still gets its ack, the message just isn't processed.
	if res, err := s.limiter.Allow(r.Context(), config.ClassAI, "tenant:"+req.TenantID); err == nil && !res.Allowed {
		telemetry.RateLimitRejects.WithLabelValues(config.ClassAI).Inc()
		s.log.Warn("tenant over ai processing limit",
			zap.String("tenant_id", req.TenantID),
			zap.Int("limit", res.Limit))
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
		return
	}

	if _, err := s.queue.Enqueue(r.Context(), models.KindAIProcessing, models.AIProcessingPayload{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		UserMessage:    req.UserMessage,
	}, queue.Options{TenantID: req.TenantID}); err != nil {
		s.log.Error("webhook enqueue failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err))
	} else {
		telemetry.EnqueueCounter.WithLabelValues(string(models.KindAIProcessing)).Inc()
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

type sendMessageRequest struct {
	To             string `json:"to"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	key, _ := APIKeyFromContext(r.Context())

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid json"})
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "to and message are required"})
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), models.KindOutboundSend, models.OutboundSendPayload{
		TenantID:       key.TenantID,
		To:             req.To,
		Message:        req.Message,
		ConversationID: req.ConversationID,
	}, queue.Options{TenantID: key.TenantID})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errorBody{Code: "QUEUE_UNAVAILABLE", Message: "could not accept message"})
		return
	}

	telemetry.EnqueueCounter.WithLabelValues(string(models.KindOutboundSend)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type indexDocumentRequest struct {
	FileBuffer string `json:"file_buffer"`
	MimeType   string `json:"mime_type"`
}

func (s *Server) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	key, _ := APIKeyFromContext(r.Context())
	docID := chi.URLParam(r, "id")

	var req indexDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid json"})
		return
	}
	if req.FileBuffer == "" {
		writeError(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "file_buffer is required"})
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), models.KindRAGIndexing, models.RAGIndexingPayload{
		TenantID:   key.TenantID,
		DocumentID: docID,
		FileBuffer: req.FileBuffer,
		MimeType:   req.MimeType,
	}, queue.Options{TenantID: key.TenantID})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errorBody{Code: "QUEUE_UNAVAILABLE", Message: "could not accept document"})
		return
	}

	telemetry.EnqueueCounter.WithLabelValues(string(models.KindRAGIndexing)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	kind := models.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "unknown queue kind"})
		return
	}
	stats, err := s.queue.Stats(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
