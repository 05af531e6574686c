package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/platform/messagebroker"
	"github.com/commsync/commsync/internal/webhook_service/app"
	"github.com/commsync/commsync/internal/webhook_service/domain"
)

// WorkspaceHeader carries the tenant identity on management routes. The
// public receiver route derives the workspace from the callback URL instead.
const WorkspaceHeader = "X-Workspace-ID"

const maxWebhookBody = 1 << 20

// WebhookHandler is the public webhook receiver plus the management surface
// for registrations and subscriptions.
type WebhookHandler struct {
	registrations   domain.RegistrationRepository
	registrationSvc *app.RegistrationService
	subscriptions   domain.SubscriptionRepository
	dispatcher      *app.Dispatcher
	adapters        map[core_domain.ProviderName]app.ProviderWebhooks
	broker          messagebroker.NATSClient
	publicBaseURL   string
	logger          *slog.Logger
	validate        *validator.Validate
}

func NewWebhookHandler(
	registrations domain.RegistrationRepository,
	registrationSvc *app.RegistrationService,
	subscriptions domain.SubscriptionRepository,
	dispatcher *app.Dispatcher,
	adapters map[core_domain.ProviderName]app.ProviderWebhooks,
	broker messagebroker.NATSClient,
	publicBaseURL string,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		registrations:   registrations,
		registrationSvc: registrationSvc,
		subscriptions:   subscriptions,
		dispatcher:      dispatcher,
		adapters:        adapters,
		broker:          broker,
		publicBaseURL:   publicBaseURL,
		logger:          logger,
		validate:        validator.New(),
	}
}

func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/{provider}/{webhookID}", h.Receive)

	r.Post("/registrations", h.CreateRegistration)
	r.Get("/registrations", h.ListRegistrations)
	r.Delete("/registrations/{registrationID}", h.DeleteRegistration)

	r.Post("/subscriptions", h.CreateSubscription)
	r.Get("/subscriptions", h.ListSubscriptions)
	r.Delete("/subscriptions/{subscriptionID}", h.DeleteSubscription)
	r.Post("/subscriptions/{subscriptionID}/test", h.TestSubscription)
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

func workspaceID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.Header.Get(WorkspaceHeader))
}

// Receive is the public callback endpoint providers push to. It resolves the
// registration from the URL, authenticates the payload with the registration
// secret, queues the raw body, and acknowledges. Parsing happens off the
// request path so a slow database never makes a provider retry.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	webhookID, err := uuid.Parse(chi.URLParam(r, "webhookID"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, "unknown webhook")
		return
	}
	reg, err := h.registrations.GetByID(ctx, webhookID)
	if err != nil {
		if errors.Is(err, core_domain.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "unknown webhook")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	providerName := core_domain.ProviderName(chi.URLParam(r, "provider"))
	if providerName != reg.Provider {
		respondWithError(w, http.StatusNotFound, "unknown webhook")
		return
	}
	adapter, ok := h.adapters[providerName]
	if !ok {
		respondWithError(w, http.StatusNotFound, "unknown webhook")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	defer r.Body.Close()

	// Providers sign the exact public URL they were registered with.
	requestURL := h.publicBaseURL + r.URL.RequestURI()
	if !adapter.VerifyWebhookSignature(reg.SharedSecret, requestURL, r.Header, body) {
		h.logger.WarnContext(ctx, "Webhook signature rejected",
			"registration_id", reg.ID, "provider", providerName)
		respondWithError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	envelope, err := json.Marshal(domain.RawWebhook{
		WorkspaceID: reg.WorkspaceID,
		Provider:    providerName,
		WebhookID:   reg.ID,
		Body:        body,
		ReceivedAt:  time.Now().UTC(),
	})
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to queue webhook")
		return
	}
	if err := h.broker.Publish(ctx, core_domain.RawWebhookSubject(providerName), envelope); err != nil {
		h.logger.ErrorContext(ctx, "Failed to queue raw webhook", "registration_id", reg.ID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to queue webhook")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type createRegistrationDTO struct {
	Provider core_domain.ProviderName `json:"provider" validate:"required,oneof=openphone twilio"`
}

func (h *WebhookHandler) CreateRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	var dto createRegistrationDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if err := h.validate.Struct(dto); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	reg, err := h.registrationSvc.Register(ctx, wsID, dto.Provider)
	if err != nil {
		h.logger.WarnContext(ctx, "Webhook registration failed", "workspace_id", wsID, "provider", dto.Provider, "error", err)
		respondWithError(w, statusFromError(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, reg)
}

func (h *WebhookHandler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	regs, err := h.registrationSvc.List(ctx, wsID)
	if err != nil {
		respondWithError(w, statusFromError(err), "failed to list registrations")
		return
	}
	if regs == nil {
		regs = []domain.Registration{}
	}
	respondWithJSON(w, http.StatusOK, regs)
}

func (h *WebhookHandler) DeleteRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	regID, err := uuid.Parse(chi.URLParam(r, "registrationID"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, "unknown registration")
		return
	}
	if err := h.registrationSvc.Unregister(ctx, regID); err != nil {
		respondWithError(w, statusFromError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createSubscriptionDTO struct {
	URL    string `json:"url" validate:"required,url"`
	Secret string `json:"secret" validate:"required,min=16"`
}

func (h *WebhookHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	var dto createSubscriptionDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if err := h.validate.Struct(dto); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	sub := &domain.Subscription{
		ID:          uuid.New(),
		WorkspaceID: wsID,
		URL:         dto.URL,
		Secret:      dto.Secret,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.subscriptions.Create(ctx, sub); err != nil {
		respondWithError(w, statusFromError(err), "failed to create subscription")
		return
	}
	respondWithJSON(w, http.StatusCreated, sub)
}

func (h *WebhookHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wsID, err := workspaceID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "missing or invalid "+WorkspaceHeader+" header")
		return
	}
	subs, err := h.subscriptions.ListByWorkspace(ctx, wsID)
	if err != nil {
		respondWithError(w, statusFromError(err), "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}
	respondWithJSON(w, http.StatusOK, subs)
}

func (h *WebhookHandler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subID, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	if err := h.subscriptions.Delete(ctx, subID); err != nil {
		respondWithError(w, statusFromError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) TestSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subID, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	result, err := h.dispatcher.TestDelivery(ctx, subID)
	if err != nil {
		if core_domain.IsNotFound(err) {
			respondWithError(w, http.StatusNotFound, "unknown subscription")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "test delivery failed: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func statusFromError(err error) int {
	switch {
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
