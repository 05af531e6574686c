package postgres

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
)

type PgMessageRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgMessageRepository(db Querier, logger *slog.Logger) *PgMessageRepository {
	return &PgMessageRepository{db: db, logger: logger}
}

// Upsert is keyed by the provider message id. Bulk sync and webhook pushes
// observe the same message independently; the status rank guard keeps
// whichever observation is further along, so a late "sent" can never
// overwrite a stored "delivered".
func (r *PgMessageRepository) Upsert(ctx context.Context, msg *core_domain.Message) error {
	query := `
		INSERT INTO messages (id, workspace_id, provider, owned_number, participant_number, provider_message_id,
			direction, body, from_number, to_number, status, status_rank, created_at, media_urls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (workspace_id, provider, provider_message_id) DO UPDATE SET
			status = CASE WHEN EXCLUDED.status_rank >= messages.status_rank
				THEN EXCLUDED.status ELSE messages.status END,
			status_rank = GREATEST(messages.status_rank, EXCLUDED.status_rank),
			body = EXCLUDED.body,
			media_urls = EXCLUDED.media_urls
		RETURNING id
	`
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, query,
		msg.ID, msg.Key.WorkspaceID, msg.Key.Provider, msg.Key.OwnedNumber, msg.Key.ParticipantNumber,
		msg.ProviderMessageID, msg.Direction, msg.Body, msg.FromNumber, msg.ToNumber,
		msg.Status, msg.Status.StatusRank(), msg.CreatedAt, msg.MediaURLs,
	).Scan(&msg.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting message", "error", err,
			"provider_message_id", msg.ProviderMessageID, "workspace_id", msg.Key.WorkspaceID)
		return err
	}
	return nil
}

func (r *PgMessageRepository) ListByConversation(ctx context.Context, key core_domain.ConversationKey, limit int) ([]core_domain.Message, error) {
	query := `
		SELECT id, workspace_id, provider, owned_number, participant_number, provider_message_id,
			direction, body, from_number, to_number, status, created_at, media_urls
		FROM messages
		WHERE workspace_id = $1 AND provider = $2 AND owned_number = $3 AND participant_number = $4
		ORDER BY created_at DESC
		LIMIT $5
	`
	rows, err := r.db.Query(ctx, query, key.WorkspaceID, key.Provider, key.OwnedNumber, key.ParticipantNumber, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing messages", "error", err, "participant", key.ParticipantNumber)
		return nil, err
	}
	defer rows.Close()

	var messages []core_domain.Message
	for rows.Next() {
		var msg core_domain.Message
		if err := rows.Scan(
			&msg.ID, &msg.Key.WorkspaceID, &msg.Key.Provider, &msg.Key.OwnedNumber, &msg.Key.ParticipantNumber,
			&msg.ProviderMessageID, &msg.Direction, &msg.Body, &msg.FromNumber, &msg.ToNumber,
			&msg.Status, &msg.CreatedAt, &msg.MediaURLs,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning message row", "error", err, "participant", key.ParticipantNumber)
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating message rows", "error", err, "participant", key.ParticipantNumber)
		return nil, err
	}
	return messages, nil
}
