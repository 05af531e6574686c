package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
)

type messagingFixture struct {
	service     *MessagingService
	adapter     *MockAdapter
	convRepo    *MockConversationRepo
	msgRepo     *MockMessageRepo
	credRepo    *MockCredentialRepo
	workspaceID uuid.UUID
	sealed      []byte
}

func newMessagingFixture(t *testing.T) *messagingFixture {
	t.Helper()
	sealKey := &[32]byte{1, 2, 3}
	creds := core_domain.Credentials{Provider: core_domain.ProviderOpenPhone, APIKey: "op-key"}
	sealed, err := core_domain.SealCredentials(creds, sealKey)
	require.NoError(t, err)

	f := &messagingFixture{
		adapter:     new(MockAdapter),
		convRepo:    new(MockConversationRepo),
		msgRepo:     new(MockMessageRepo),
		credRepo:    new(MockCredentialRepo),
		workspaceID: uuid.New(),
		sealed:      sealed,
	}
	logger := discardLogger()
	adapterMap := map[core_domain.ProviderName]provider.Adapter{core_domain.ProviderOpenPhone: f.adapter}
	credentials := NewCredentialService(f.credRepo, adapterMap, sealKey, logger)
	f.service = NewMessagingService(adapterMap, credentials, f.convRepo, f.msgRepo, logger)
	return f
}

func TestSendMessageKeysThreadOffResolvedSender(t *testing.T) {
	f := newMessagingFixture(t)

	// The request omits From; the adapter resolves a default owned number and
	// the stored thread must carry that number, not a placeholder.
	f.credRepo.On("Get", mock.Anything, f.workspaceID, core_domain.ProviderOpenPhone).Return(f.sealed, nil)
	f.adapter.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(&provider.SendResult{
		ProviderMessageID: "MSG1",
		From:              "+15559876543",
		Status:            core_domain.MessageStatusSent,
		SentAt:            time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
	}, nil)
	f.convRepo.On("Upsert", mock.Anything, mock.MatchedBy(func(conv *core_domain.Conversation) bool {
		return conv.Key.OwnedNumber == "+15559876543" && conv.Key.ParticipantNumber == "+15551234567"
	})).Return(nil)
	f.msgRepo.On("Upsert", mock.Anything, mock.MatchedBy(func(msg *core_domain.Message) bool {
		return msg.Key.OwnedNumber == "+15559876543" && msg.FromNumber == "+15559876543"
	})).Return(nil)

	msg, err := f.service.SendMessage(context.Background(), f.workspaceID, core_domain.ProviderOpenPhone, provider.SendRequest{
		To:   "5551234567",
		Body: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "+15559876543", msg.FromNumber)
	assert.Equal(t, "+15551234567", msg.ToNumber)
	f.convRepo.AssertExpectations(t)
	f.msgRepo.AssertExpectations(t)
}

func TestSendMessageFallsBackToRequestSender(t *testing.T) {
	f := newMessagingFixture(t)

	f.credRepo.On("Get", mock.Anything, f.workspaceID, core_domain.ProviderOpenPhone).Return(f.sealed, nil)
	f.adapter.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(&provider.SendResult{
		ProviderMessageID: "MSG2",
		Status:            core_domain.MessageStatusQueued,
	}, nil)
	f.convRepo.On("Upsert", mock.Anything, mock.MatchedBy(func(conv *core_domain.Conversation) bool {
		return conv.Key.OwnedNumber == "+15550001111"
	})).Return(nil)
	f.msgRepo.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	msg, err := f.service.SendMessage(context.Background(), f.workspaceID, core_domain.ProviderOpenPhone, provider.SendRequest{
		From: "whatsapp:+15550001111",
		To:   "+15551234567",
		Body: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", msg.FromNumber)
	f.convRepo.AssertExpectations(t)
}
