package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
	"github.com/commsync/commsync/internal/webhook_service/domain"
)

// ProviderWebhooks is what this service needs from a provider integration:
// installing and removing callbacks, and verifying/parsing what arrives.
type ProviderWebhooks interface {
	Name() core_domain.ProviderName
	RegisterWebhooks(ctx context.Context, creds core_domain.Credentials, callbackURL string) (*provider.WebhookRegistration, error)
	DeleteWebhooks(ctx context.Context, creds core_domain.Credentials, ids []string) error
	VerifyWebhookSignature(secret, requestURL string, header http.Header, body []byte) bool
	ParseWebhook(workspaceID uuid.UUID, payload []byte) (*core_domain.Event, error)
}

// CredentialSource opens the stored credential bundle for a workspace.
type CredentialSource interface {
	Get(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName) (core_domain.Credentials, error)
}

// RegistrationService installs provider push callbacks and keeps the local
// record needed to authenticate what they send back.
type RegistrationService struct {
	registrations domain.RegistrationRepository
	adapters      map[core_domain.ProviderName]ProviderWebhooks
	credentials   CredentialSource
	publicBaseURL string
	logger        *slog.Logger
}

func NewRegistrationService(registrations domain.RegistrationRepository, adapters map[core_domain.ProviderName]ProviderWebhooks, credentials CredentialSource, publicBaseURL string, logger *slog.Logger) *RegistrationService {
	return &RegistrationService{
		registrations: registrations,
		adapters:      adapters,
		credentials:   credentials,
		publicBaseURL: publicBaseURL,
		logger:        logger.With("component", "registration"),
	}
}

// CallbackPath returns the route an incoming provider push hits.
func CallbackPath(providerName core_domain.ProviderName, registrationID uuid.UUID) string {
	return fmt.Sprintf("/webhooks/%s/%s", providerName, registrationID)
}

// Register installs callbacks at the provider pointing back at this service.
// The registration id is minted first so it can be part of the callback URL;
// an incoming push then resolves to a workspace by URL alone.
func (s *RegistrationService) Register(ctx context.Context, workspaceID uuid.UUID, providerName core_domain.ProviderName) (*domain.Registration, error) {
	adapter, ok := s.adapters[providerName]
	if !ok {
		return nil, core_domain.NewDomainError(core_domain.ErrorKindConfig, "webhook.register", core_domain.ErrNotFound)
	}
	creds, err := s.credentials.Get(ctx, workspaceID, providerName)
	if err != nil {
		return nil, err
	}

	reg := &domain.Registration{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Provider:    providerName,
		CreatedAt:   time.Now().UTC(),
	}
	reg.CallbackURL = s.publicBaseURL + CallbackPath(providerName, reg.ID)

	result, err := adapter.RegisterWebhooks(ctx, creds, reg.CallbackURL)
	if err != nil {
		return nil, err
	}
	reg.ProviderIDs = result.IDs
	reg.SharedSecret = result.SharedSecret

	if err := s.registrations.Create(ctx, reg); err != nil {
		// Roll the provider-side registration back; orphaned callbacks would
		// push events nobody can authenticate.
		if delErr := adapter.DeleteWebhooks(ctx, creds, result.IDs); delErr != nil {
			s.logger.ErrorContext(ctx, "Failed to roll back provider webhooks after store failure",
				"workspace_id", workspaceID, "provider", providerName, "error", delErr)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "Webhooks registered", "registration_id", reg.ID,
		"workspace_id", workspaceID, "provider", providerName, "provider_ids", len(reg.ProviderIDs))
	return reg, nil
}

// Unregister removes the provider-side callbacks and the local record.
func (s *RegistrationService) Unregister(ctx context.Context, registrationID uuid.UUID) error {
	reg, err := s.registrations.GetByID(ctx, registrationID)
	if err != nil {
		return err
	}
	adapter, ok := s.adapters[reg.Provider]
	if !ok {
		return core_domain.NewDomainError(core_domain.ErrorKindConfig, "webhook.unregister", core_domain.ErrNotFound)
	}
	creds, err := s.credentials.Get(ctx, reg.WorkspaceID, reg.Provider)
	if err != nil {
		return err
	}
	if err := adapter.DeleteWebhooks(ctx, creds, reg.ProviderIDs); err != nil {
		return err
	}
	return s.registrations.Delete(ctx, registrationID)
}

// List returns the workspace's registrations.
func (s *RegistrationService) List(ctx context.Context, workspaceID uuid.UUID) ([]domain.Registration, error) {
	return s.registrations.ListByWorkspace(ctx, workspaceID)
}
