package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/webhook_service/domain"
)

// Querier is the subset of pgxpool.Pool the repositories use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRegistrationRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgRegistrationRepository(db Querier, logger *slog.Logger) *PgRegistrationRepository {
	return &PgRegistrationRepository{db: db, logger: logger}
}

func (r *PgRegistrationRepository) Create(ctx context.Context, reg *domain.Registration) error {
	query := `
		INSERT INTO webhook_registrations (id, workspace_id, provider, callback_url, provider_ids, shared_secret, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		reg.ID, reg.WorkspaceID, reg.Provider, reg.CallbackURL, reg.ProviderIDs, reg.SharedSecret, reg.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating webhook registration", "error", err, "registration_id", reg.ID)
		return err
	}
	r.logger.InfoContext(ctx, "Webhook registration created", "registration_id", reg.ID,
		"workspace_id", reg.WorkspaceID, "provider", reg.Provider)
	return nil
}

func (r *PgRegistrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Registration, error) {
	query := `
		SELECT id, workspace_id, provider, callback_url, provider_ids, shared_secret, created_at
		FROM webhook_registrations
		WHERE id = $1
	`
	reg := &domain.Registration{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&reg.ID, &reg.WorkspaceID, &reg.Provider, &reg.CallbackURL, &reg.ProviderIDs, &reg.SharedSecret, &reg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting webhook registration", "error", err, "registration_id", id)
		return nil, err
	}
	return reg, nil
}

func (r *PgRegistrationRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]domain.Registration, error) {
	query := `
		SELECT id, workspace_id, provider, callback_url, provider_ids, shared_secret, created_at
		FROM webhook_registrations
		WHERE workspace_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, workspaceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing webhook registrations", "error", err, "workspace_id", workspaceID)
		return nil, err
	}
	defer rows.Close()

	var regs []domain.Registration
	for rows.Next() {
		var reg domain.Registration
		if err := rows.Scan(&reg.ID, &reg.WorkspaceID, &reg.Provider, &reg.CallbackURL,
			&reg.ProviderIDs, &reg.SharedSecret, &reg.CreatedAt); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning webhook registration row", "error", err, "workspace_id", workspaceID)
			return nil, err
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating webhook registration rows", "error", err, "workspace_id", workspaceID)
		return nil, err
	}
	return regs, nil
}

func (r *PgRegistrationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_registrations WHERE id = $1`, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting webhook registration", "error", err, "registration_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	return nil
}

type PgSubscriptionRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgSubscriptionRepository(db Querier, logger *slog.Logger) *PgSubscriptionRepository {
	return &PgSubscriptionRepository{db: db, logger: logger}
}

func (r *PgSubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO webhook_subscriptions (id, workspace_id, url, secret, created_at, failure_count)
		VALUES ($1, $2, $3, $4, $5, 0)
	`
	_, err := r.db.Exec(ctx, query, sub.ID, sub.WorkspaceID, sub.URL, sub.Secret, sub.CreatedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating subscription", "error", err, "subscription_id", sub.ID)
		return err
	}
	r.logger.InfoContext(ctx, "Subscription created", "subscription_id", sub.ID, "workspace_id", sub.WorkspaceID)
	return nil
}

func (r *PgSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	query := `
		SELECT id, workspace_id, url, secret, created_at, COALESCE(last_delivered_at, 'epoch'::timestamptz), failure_count
		FROM webhook_subscriptions
		WHERE id = $1
	`
	sub := &domain.Subscription{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&sub.ID, &sub.WorkspaceID, &sub.URL, &sub.Secret, &sub.CreatedAt, &sub.LastDeliveredAt, &sub.FailureCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting subscription", "error", err, "subscription_id", id)
		return nil, err
	}
	return sub, nil
}

func (r *PgSubscriptionRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]domain.Subscription, error) {
	query := `
		SELECT id, workspace_id, url, secret, created_at, COALESCE(last_delivered_at, 'epoch'::timestamptz), failure_count
		FROM webhook_subscriptions
		WHERE workspace_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, workspaceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing subscriptions", "error", err, "workspace_id", workspaceID)
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		if err := rows.Scan(&sub.ID, &sub.WorkspaceID, &sub.URL, &sub.Secret,
			&sub.CreatedAt, &sub.LastDeliveredAt, &sub.FailureCount); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning subscription row", "error", err, "workspace_id", workspaceID)
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating subscription rows", "error", err, "workspace_id", workspaceID)
		return nil, err
	}
	return subs, nil
}

func (r *PgSubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting subscription", "error", err, "subscription_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	return nil
}

func (r *PgSubscriptionRepository) RecordDelivery(ctx context.Context, id uuid.UUID, at time.Time, success bool) error {
	query := `
		UPDATE webhook_subscriptions
		SET last_delivered_at = CASE WHEN $2 THEN $3 ELSE last_delivered_at END,
			failure_count = CASE WHEN $2 THEN 0 ELSE failure_count + 1 END
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, success, at)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error recording delivery", "error", err, "subscription_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	return nil
}
