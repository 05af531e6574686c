package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/domain"
)

type PgSyncRunRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgSyncRunRepository(db Querier, logger *slog.Logger) *PgSyncRunRepository {
	return &PgSyncRunRepository{db: db, logger: logger}
}

func (r *PgSyncRunRepository) Create(ctx context.Context, run *domain.SyncRun) error {
	query := `
		INSERT INTO sync_runs (id, workspace_id, provider, state, options, phase,
			progress_processed, progress_total, processed, skipped, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	optionsJSON, err := json.Marshal(run.Options)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marshaling run options", "error", err, "run_id", run.ID)
		return err
	}

	_, err = r.db.Exec(ctx, query,
		run.ID, run.WorkspaceID, run.Provider, run.State, optionsJSON, run.Progress.Phase,
		run.Progress.Processed, run.Progress.Total, run.Processed, run.Skipped, run.Error, run.StartedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating sync run", "error", err, "run_id", run.ID, "workspace_id", run.WorkspaceID)
		return err
	}
	r.logger.InfoContext(ctx, "Sync run created", "run_id", run.ID, "workspace_id", run.WorkspaceID, "provider", run.Provider)
	return nil
}

func (r *PgSyncRunRepository) UpdateProgress(ctx context.Context, runID uuid.UUID, progress domain.Progress, processed, skipped int) error {
	query := `
		UPDATE sync_runs
		SET phase = $1, progress_processed = $2, progress_total = $3, processed = $4, skipped = $5
		WHERE id = $6
	`
	tag, err := r.db.Exec(ctx, query, progress.Phase, progress.Processed, progress.Total, processed, skipped, runID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating run progress", "error", err, "run_id", runID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	return nil
}

func (r *PgSyncRunRepository) Finish(ctx context.Context, runID uuid.UUID, state domain.RunState, processed, skipped int, runErr string, lastSyncedAt time.Time) error {
	query := `
		UPDATE sync_runs
		SET state = $1, processed = $2, skipped = $3, error = $4, ended_at = $5, last_synced_at = $6
		WHERE id = $7
	`
	tag, err := r.db.Exec(ctx, query, state, processed, skipped, runErr, time.Now().UTC(), lastSyncedAt, runID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error finishing sync run", "error", err, "run_id", runID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return core_domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Sync run finished", "run_id", runID, "state", state, "processed", processed, "skipped", skipped)
	return nil
}

// LastWatermark returns the newest floor from completed runs; the zero time
// means no completed run exists and the next sync is a full one.
func (r *PgSyncRunRepository) LastWatermark(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName) (time.Time, error) {
	query := `
		SELECT MAX(last_synced_at)
		FROM sync_runs
		WHERE workspace_id = $1 AND provider = $2 AND state = 'completed'
	`
	var watermark *time.Time
	err := r.db.QueryRow(ctx, query, workspaceID, provider).Scan(&watermark)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error reading sync watermark", "error", err, "workspace_id", workspaceID, "provider", provider)
		return time.Time{}, err
	}
	if watermark == nil {
		return time.Time{}, nil
	}
	return *watermark, nil
}
