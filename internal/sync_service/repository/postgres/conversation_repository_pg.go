package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/commsync/commsync/internal/core_domain"
)

type PgConversationRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgConversationRepository(db Querier, logger *slog.Logger) *PgConversationRepository {
	return &PgConversationRepository{db: db, logger: logger}
}

// Upsert is idempotent on the (workspace, provider, owned number, participant)
// pair. last_message_at only moves forward, and the preview/direction columns
// follow it: they update only when the incoming observation is at least as
// recent as the stored one. Metadata merges so hints from earlier syncs
// survive.
func (r *PgConversationRepository) Upsert(ctx context.Context, conv *core_domain.Conversation) error {
	query := `
		INSERT INTO conversations (id, workspace_id, provider, owned_number, participant_number, external_id,
			created_at, last_message_at, last_message_preview, last_message_direction, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (workspace_id, provider, owned_number, participant_number) DO UPDATE SET
			external_id = COALESCE(NULLIF(EXCLUDED.external_id, ''), conversations.external_id),
			last_message_at = GREATEST(conversations.last_message_at, EXCLUDED.last_message_at),
			last_message_preview = CASE WHEN EXCLUDED.last_message_at >= conversations.last_message_at
				THEN EXCLUDED.last_message_preview ELSE conversations.last_message_preview END,
			last_message_direction = CASE WHEN EXCLUDED.last_message_at >= conversations.last_message_at
				THEN EXCLUDED.last_message_direction ELSE conversations.last_message_direction END,
			metadata = conversations.metadata || EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	metadataJSON, err := json.Marshal(conv.Metadata)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marshaling conversation metadata", "error", err, "participant", conv.Key.ParticipantNumber)
		return err
	}

	err = r.db.QueryRow(ctx, query,
		conv.ID, conv.Key.WorkspaceID, conv.Key.Provider, conv.Key.OwnedNumber, conv.Key.ParticipantNumber,
		conv.ExternalID, conv.CreatedAt, conv.LastMessageAt, conv.LastMessagePreview,
		conv.LastMessageDirection, metadataJSON, time.Now().UTC(),
	).Scan(&conv.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting conversation", "error", err,
			"workspace_id", conv.Key.WorkspaceID, "participant", conv.Key.ParticipantNumber)
		return err
	}
	return nil
}

func (r *PgConversationRepository) ListRecent(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName, limit int) ([]core_domain.Conversation, error) {
	query := `
		SELECT id, workspace_id, provider, owned_number, participant_number, external_id,
			created_at, last_message_at, last_message_preview, last_message_direction, metadata
		FROM conversations
		WHERE workspace_id = $1 AND provider = $2
		ORDER BY last_message_at DESC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, workspaceID, provider, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing conversations", "error", err, "workspace_id", workspaceID)
		return nil, err
	}
	defer rows.Close()

	var conversations []core_domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error scanning conversation row", "error", err, "workspace_id", workspaceID)
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating conversation rows", "error", err, "workspace_id", workspaceID)
		return nil, err
	}
	return conversations, nil
}

func (r *PgConversationRepository) GetByKey(ctx context.Context, key core_domain.ConversationKey) (*core_domain.Conversation, error) {
	query := `
		SELECT id, workspace_id, provider, owned_number, participant_number, external_id,
			created_at, last_message_at, last_message_preview, last_message_direction, metadata
		FROM conversations
		WHERE workspace_id = $1 AND provider = $2 AND owned_number = $3 AND participant_number = $4
	`
	row := r.db.QueryRow(ctx, query, key.WorkspaceID, key.Provider, key.OwnedNumber, key.ParticipantNumber)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting conversation by key", "error", err, "participant", key.ParticipantNumber)
		return nil, err
	}
	return conv, nil
}

func scanConversation(row pgx.Row) (*core_domain.Conversation, error) {
	conv := &core_domain.Conversation{}
	var metadataJSON []byte
	err := row.Scan(
		&conv.ID, &conv.Key.WorkspaceID, &conv.Key.Provider, &conv.Key.OwnedNumber, &conv.Key.ParticipantNumber,
		&conv.ExternalID, &conv.CreatedAt, &conv.LastMessageAt, &conv.LastMessagePreview,
		&conv.LastMessageDirection, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &conv.Metadata); err != nil {
			return nil, err
		}
	}
	return conv, nil
}
