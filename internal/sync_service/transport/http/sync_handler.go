package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
	"github.com/commsync/commsync/internal/sync_service/app"
	"github.com/commsync/commsync/internal/sync_service/domain"
)

// WorkspaceHeader carries the tenant identity. Authentication in front of it
// is someone else's job; every route here requires the header.
const WorkspaceHeader = "X-Workspace-ID"

const defaultListLimit = 50

// SyncHandler exposes the sync control surface: start/status/cancel, the
// stored conversation index, outbound sends, and credential management.
type SyncHandler struct {
	orchestrator *app.Orchestrator
	messaging    *app.MessagingService
	credentials  *app.CredentialService
	logger       *slog.Logger
	validate     *validator.Validate
}

func NewSyncHandler(orchestrator *app.Orchestrator, messaging *app.MessagingService, credentials *app.CredentialService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		orchestrator: orchestrator,
		messaging:    messaging,
		credentials:  credentials,
		logger:       logger,
		validate:     validator.New(),
	}
}

func (h *SyncHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sync/start", h.StartSync)
	r.Get("/sync/status", h.SyncStatus)
	r.Post("/sync/cancel", h.CancelSync)
	r.Get("/conversations", h.ListConversations)
	r.Get("/messages", h.ListMessages)
	r.Post("/messages", h.SendMessage)
	r.Put("/credentials/{provider}", h.SaveCredentials)
	r.Delete("/credentials/{provider}", h.DeleteCredentials)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Default().Error("Failed to write JSON response", "error", err)
		}
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, core_domain.ErrRunActive):
		return http.StatusConflict
	case core_domain.IsNotFound(err):
		return http.StatusNotFound
	case core_domain.IsConfig(err):
		return http.StatusBadRequest
	case core_domain.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func workspaceID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.Header.Get(WorkspaceHeader))
}

func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}

	var opts domain.SyncOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	run, err := h.orchestrator.StartSync(ctx, wsID, opts)
	if err != nil {
		h.logger.WarnContext(ctx, "Sync start rejected", "workspace_id", wsID, "error", err)
		respondWithError(w, statusFromError(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusAccepted, run)
}

func (h *SyncHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	run, err := h.orchestrator.Status(wsID)
	if err != nil {
		respondWithError(w, statusFromError(err), "no sync run for workspace")
		return
	}
	respondWithJSON(w, http.StatusOK, run)
}

func (h *SyncHandler) CancelSync(w http.ResponseWriter, r *http.Request) {
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	if err := h.orchestrator.Cancel(wsID); err != nil {
		respondWithError(w, statusFromError(err), "no active sync run for workspace")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	providerName := core_domain.ProviderName(r.URL.Query().Get("provider"))
	if providerName == "" {
		respondWithError(w, http.StatusBadRequest, "provider query parameter is required")
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	conversations, err := h.messaging.ListConversations(ctx, wsID, providerName, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list conversations", "workspace_id", wsID, "error", err)
		respondWithError(w, statusFromError(err), "failed to list conversations")
		return
	}
	if conversations == nil {
		conversations = []core_domain.Conversation{}
	}
	respondWithJSON(w, http.StatusOK, conversations)
}

func (h *SyncHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	q := r.URL.Query()
	key := core_domain.ConversationKey{
		WorkspaceID:       wsID,
		Provider:          core_domain.ProviderName(q.Get("provider")),
		OwnedNumber:       core_domain.NormalizeE164(q.Get("ownedNumber")),
		ParticipantNumber: core_domain.NormalizeE164(q.Get("participant")),
	}
	if key.Provider == "" || key.ParticipantNumber == "" {
		respondWithError(w, http.StatusBadRequest, "provider and participant query parameters are required")
		return
	}
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	messages, err := h.messaging.ListMessages(ctx, key, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to list messages", "workspace_id", wsID, "error", err)
		respondWithError(w, statusFromError(err), "failed to list messages")
		return
	}
	if messages == nil {
		messages = []core_domain.Message{}
	}
	respondWithJSON(w, http.StatusOK, messages)
}

type sendMessageDTO struct {
	Provider core_domain.ProviderName `json:"provider" validate:"required,oneof=openphone twilio"`
	From     string                   `json:"from,omitempty"`
	To       string                   `json:"to" validate:"required"`
	Body     string                   `json:"body" validate:"required"`
	Channel  string                   `json:"channel,omitempty" validate:"omitempty,oneof=whatsapp"`
}

func (h *SyncHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}

	var dto sendMessageDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if err := h.validate.Struct(dto); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	msg, err := h.messaging.SendMessage(ctx, wsID, dto.Provider, provider.SendRequest{
		From:    dto.From,
		To:      dto.To,
		Body:    dto.Body,
		Channel: dto.Channel,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "Send failed", "workspace_id", wsID, "provider", dto.Provider, "error", err)
		respondWithError(w, statusFromError(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, msg)
}

type credentialsDTO struct {
	APIKey        string `json:"apiKey,omitempty"`
	AccountSID    string `json:"accountSid,omitempty"`
	AuthToken     string `json:"authToken,omitempty"`
	DefaultNumber string `json:"defaultNumber,omitempty"`
}

func (h *SyncHandler) SaveCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	providerName := core_domain.ProviderName(chi.URLParam(r, "provider"))

	var dto credentialsDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	err = h.credentials.Save(ctx, wsID, core_domain.Credentials{
		Provider:      providerName,
		APIKey:        dto.APIKey,
		AccountSID:    dto.AccountSID,
		AuthToken:     dto.AuthToken,
		DefaultNumber: dto.DefaultNumber,
	})
	if err != nil {
		respondWithError(w, statusFromError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	providerName := core_domain.ProviderName(chi.URLParam(r, "provider"))
	if err := h.credentials.Delete(ctx, wsID, providerName); err != nil {
		respondWithError(w, statusFromError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
