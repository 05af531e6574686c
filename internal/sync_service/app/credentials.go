package app

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
	"github.com/commsync/commsync/internal/sync_service/domain"
)

// CredentialService seals credentials before they touch storage and opens
// them on the way out. Plaintext secrets exist only in memory, per request.
type CredentialService struct {
	repo     domain.CredentialRepository
	adapters map[core_domain.ProviderName]provider.Adapter
	sealKey  *[32]byte
	logger   *slog.Logger
}

func NewCredentialService(repo domain.CredentialRepository, adapters map[core_domain.ProviderName]provider.Adapter, sealKey *[32]byte, logger *slog.Logger) *CredentialService {
	return &CredentialService{repo: repo, adapters: adapters, sealKey: sealKey, logger: logger.With("component", "credentials")}
}

// Save validates the credentials against the provider with a cheap read-only
// probe, then seals and persists them.
func (s *CredentialService) Save(ctx context.Context, workspaceID uuid.UUID, creds core_domain.Credentials) error {
	adapter, ok := s.adapters[creds.Provider]
	if !ok {
		return core_domain.NewDomainError(core_domain.ErrorKindConfig, "credentials.save", core_domain.ErrNotFound)
	}
	if !adapter.ValidateCredentials(ctx, creds) {
		s.logger.WarnContext(ctx, "Credential validation failed", "workspace_id", workspaceID, "provider", creds.Provider, "credentials", creds.Redacted())
		return core_domain.NewDomainError(core_domain.ErrorKindConfig, "credentials.save", core_domain.ErrInvalidCredentials)
	}

	sealed, err := core_domain.SealCredentials(creds, s.sealKey)
	if err != nil {
		return err
	}
	return s.repo.Save(ctx, workspaceID, creds.Provider, sealed)
}

func (s *CredentialService) Get(ctx context.Context, workspaceID uuid.UUID, providerName core_domain.ProviderName) (core_domain.Credentials, error) {
	sealed, err := s.repo.Get(ctx, workspaceID, providerName)
	if err != nil {
		return core_domain.Credentials{}, err
	}
	return core_domain.OpenCredentials(sealed, s.sealKey)
}

func (s *CredentialService) Delete(ctx context.Context, workspaceID uuid.UUID, providerName core_domain.ProviderName) error {
	return s.repo.Delete(ctx, workspaceID, providerName)
}
