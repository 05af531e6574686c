package postgres

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
)

type PgCallRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgCallRepository(db Querier, logger *slog.Logger) *PgCallRepository {
	return &PgCallRepository{db: db, logger: logger}
}

// Upsert is keyed by the provider call id. Recording and transcript fields
// arrive late (a recording webhook fires minutes after the call completes),
// so re-upserts keep any previously stored URL when the new observation lacks
// one.
func (r *PgCallRepository) Upsert(ctx context.Context, call *core_domain.Call) error {
	query := `
		INSERT INTO calls (id, workspace_id, provider, owned_number, participant_number, provider_call_id,
			direction, duration_seconds, from_number, to_number, status, recording_url, voicemail_url,
			has_transcript, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (workspace_id, provider, provider_call_id) DO UPDATE SET
			status = EXCLUDED.status,
			duration_seconds = GREATEST(calls.duration_seconds, EXCLUDED.duration_seconds),
			recording_url = COALESCE(NULLIF(EXCLUDED.recording_url, ''), calls.recording_url),
			voicemail_url = COALESCE(NULLIF(EXCLUDED.voicemail_url, ''), calls.voicemail_url),
			has_transcript = calls.has_transcript OR EXCLUDED.has_transcript,
			ended_at = EXCLUDED.ended_at
		RETURNING id
	`
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, query,
		call.ID, call.Key.WorkspaceID, call.Key.Provider, call.Key.OwnedNumber, call.Key.ParticipantNumber,
		call.ProviderCallID, call.Direction, call.DurationSeconds, call.FromNumber, call.ToNumber,
		call.Status, call.RecordingURL, call.VoicemailURL, call.HasTranscript, call.StartedAt, call.EndedAt,
	).Scan(&call.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting call", "error", err,
			"provider_call_id", call.ProviderCallID, "workspace_id", call.Key.WorkspaceID)
		return err
	}
	return nil
}

func (r *PgCallRepository) ListByConversation(ctx context.Context, key core_domain.ConversationKey, limit int) ([]core_domain.Call, error) {
	query := `
		SELECT id, workspace_id, provider, owned_number, participant_number, provider_call_id,
			direction, duration_seconds, from_number, to_number, status, recording_url, voicemail_url,
			has_transcript, started_at, ended_at
		FROM calls
		WHERE workspace_id = $1 AND provider = $2 AND owned_number = $3 AND participant_number = $4
		ORDER BY started_at DESC
		LIMIT $5
	`
	rows, err := r.db.Query(ctx, query, key.WorkspaceID, key.Provider, key.OwnedNumber, key.ParticipantNumber, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing calls", "error", err, "participant", key.ParticipantNumber)
		return nil, err
	}
	defer rows.Close()

	var calls []core_domain.Call
	for rows.Next() {
		var call core_domain.Call
		if err := rows.Scan(
			&call.ID, &call.Key.WorkspaceID, &call.Key.Provider, &call.Key.OwnedNumber, &call.Key.ParticipantNumber,
			&call.ProviderCallID, &call.Direction, &call.DurationSeconds, &call.FromNumber, &call.ToNumber,
			&call.Status, &call.RecordingURL, &call.VoicemailURL, &call.HasTranscript, &call.StartedAt, &call.EndedAt,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning call row", "error", err, "participant", key.ParticipantNumber)
			return nil, err
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating call rows", "error", err, "participant", key.ParticipantNumber)
		return nil, err
	}
	return calls, nil
}
