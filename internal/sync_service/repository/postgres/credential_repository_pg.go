package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/commsync/commsync/internal/core_domain"
)

// PgCredentialRepository stores sealed credential bundles. The plaintext
// never reaches this layer; sealing happens in the app layer before Save.
type PgCredentialRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgCredentialRepository(db Querier, logger *slog.Logger) *PgCredentialRepository {
	return &PgCredentialRepository{db: db, logger: logger}
}

func (r *PgCredentialRepository) Save(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName, sealed []byte) error {
	query := `
		INSERT INTO provider_credentials (workspace_id, provider, sealed, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, provider) DO UPDATE SET
			sealed = EXCLUDED.sealed,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, workspaceID, provider, sealed, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error saving credentials", "error", err, "workspace_id", workspaceID, "provider", provider)
		return err
	}
	r.logger.InfoContext(ctx, "Credentials saved", "workspace_id", workspaceID, "provider", provider)
	return nil
}

func (r *PgCredentialRepository) Get(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName) ([]byte, error) {
	query := `SELECT sealed FROM provider_credentials WHERE workspace_id = $1 AND provider = $2`
	var sealed []byte
	err := r.db.QueryRow(ctx, query, workspaceID, provider).Scan(&sealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting credentials", "error", err, "workspace_id", workspaceID, "provider", provider)
		return nil, err
	}
	return sealed, nil
}

func (r *PgCredentialRepository) Delete(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName) error {
	query := `DELETE FROM provider_credentials WHERE workspace_id = $1 AND provider = $2`
	tag, err := r.db.Exec(ctx, query, workspaceID, provider)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting credentials", "error", err, "workspace_id", workspaceID, "provider", provider)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Credentials deleted", "workspace_id", workspaceID, "provider", provider)
	return nil
}
