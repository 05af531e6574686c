package postgres

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(workspaceID uuid.UUID) core_domain.ConversationKey {
	return core_domain.ConversationKey{
		WorkspaceID:       workspaceID,
		Provider:          core_domain.ProviderOpenPhone,
		OwnedNumber:       "+15559876543",
		ParticipantNumber: "+15551234567",
	}
}

func TestConversationUpsertKeepsTimestampMonotonic(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgConversationRepository(mockPool, testLogger())
	conv := &core_domain.Conversation{
		Key:           testKey(uuid.New()),
		ExternalID:    "c1",
		LastMessageAt: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		Metadata:      map[string]string{"phoneNumberId": "PN1"},
	}

	// The conflict clause must carry both the GREATEST guard and the
	// conditional preview update.
	mockPool.ExpectQuery(`INSERT INTO conversations .* GREATEST\(conversations\.last_message_at, EXCLUDED\.last_message_at\)`).
		WithArgs(pgxmock.AnyArg(), conv.Key.WorkspaceID, conv.Key.Provider, conv.Key.OwnedNumber, conv.Key.ParticipantNumber,
			conv.ExternalID, conv.CreatedAt, conv.LastMessageAt, conv.LastMessagePreview,
			conv.LastMessageDirection, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.New()))

	require.NoError(t, repo.Upsert(context.Background(), conv))
	assert.NotEqual(t, uuid.Nil, conv.ID)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestConversationGetByKeyNotFound(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgConversationRepository(mockPool, testLogger())
	key := testKey(uuid.New())

	mockPool.ExpectQuery(`SELECT .* FROM conversations`).
		WithArgs(key.WorkspaceID, key.Provider, key.OwnedNumber, key.ParticipantNumber).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err = repo.GetByKey(context.Background(), key)
	assert.ErrorIs(t, err, core_domain.ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestMessageUpsertCarriesStatusRankGuard(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgMessageRepository(mockPool, testLogger())
	msg := &core_domain.Message{
		Key:               testKey(uuid.New()),
		ProviderMessageID: "MSG1",
		Direction:         core_domain.DirectionOutbound,
		Body:              "hello",
		Status:            core_domain.MessageStatusDelivered,
		CreatedAt:         time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
	}

	mockPool.ExpectQuery(`INSERT INTO messages .* EXCLUDED\.status_rank >= messages\.status_rank`).
		WithArgs(pgxmock.AnyArg(), msg.Key.WorkspaceID, msg.Key.Provider, msg.Key.OwnedNumber, msg.Key.ParticipantNumber,
			msg.ProviderMessageID, msg.Direction, msg.Body, msg.FromNumber, msg.ToNumber,
			msg.Status, 3, msg.CreatedAt, msg.MediaURLs).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.New()))

	require.NoError(t, repo.Upsert(context.Background(), msg))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestContactFindByNumberUsesLookupVariants(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgContactRepository(mockPool, testLogger())
	workspaceID := uuid.New()
	contactID := uuid.New()

	mockPool.ExpectQuery(`SELECT .* FROM contacts WHERE workspace_id = \$1 AND lookup_keys && \$2`).
		WithArgs(workspaceID, core_domain.LookupVariants("(555) 123-4567")).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "workspace_id", "provider", "external_id", "display_name",
			"phone_numbers", "lookup_keys", "notes", "custom_fields",
		}).AddRow(contactID, workspaceID, core_domain.ProviderOpenPhone, "ct1", "Ada",
			[]string{"+15551234567"}, []string{"+15551234567", "15551234567", "5551234567"}, "", []byte(`{}`)))

	contact, err := repo.FindByNumber(context.Background(), workspaceID, "(555) 123-4567")
	require.NoError(t, err)
	assert.Equal(t, "Ada", contact.DisplayName)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestCredentialGetNotFound(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgCredentialRepository(mockPool, testLogger())
	workspaceID := uuid.New()

	mockPool.ExpectQuery(`SELECT sealed FROM provider_credentials`).
		WithArgs(workspaceID, core_domain.ProviderTwilio).
		WillReturnRows(pgxmock.NewRows([]string{"sealed"}))

	_, err = repo.Get(context.Background(), workspaceID, core_domain.ProviderTwilio)
	assert.ErrorIs(t, err, core_domain.ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestCredentialSaveUpserts(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgCredentialRepository(mockPool, testLogger())
	workspaceID := uuid.New()

	mockPool.ExpectExec(`INSERT INTO provider_credentials .* ON CONFLICT \(workspace_id, provider\) DO UPDATE`).
		WithArgs(workspaceID, core_domain.ProviderOpenPhone, []byte("sealed-bytes"), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Save(context.Background(), workspaceID, core_domain.ProviderOpenPhone, []byte("sealed-bytes")))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSyncRunLastWatermark(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgSyncRunRepository(mockPool, testLogger())
	workspaceID := uuid.New()
	watermark := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mockPool.ExpectQuery(`SELECT MAX\(last_synced_at\)`).
		WithArgs(workspaceID, core_domain.ProviderOpenPhone).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&watermark))

	got, err := repo.LastWatermark(context.Background(), workspaceID, core_domain.ProviderOpenPhone)
	require.NoError(t, err)
	assert.Equal(t, watermark, got)

	// No completed runs yet: NULL max scans to the zero time.
	mockPool.ExpectQuery(`SELECT MAX\(last_synced_at\)`).
		WithArgs(workspaceID, core_domain.ProviderOpenPhone).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow((*time.Time)(nil)))

	got, err = repo.LastWatermark(context.Background(), workspaceID, core_domain.ProviderOpenPhone)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSyncRunFinishNotFound(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	repo := NewPgSyncRunRepository(mockPool, testLogger())
	runID := uuid.New()

	mockPool.ExpectExec(`UPDATE sync_runs`).
		WithArgs(domain.RunStateCompleted, 5, 1, "", pgxmock.AnyArg(), pgxmock.AnyArg(), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.Finish(context.Background(), runID, domain.RunStateCompleted, 5, 1, "", time.Now())
	assert.ErrorIs(t, err, core_domain.ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
