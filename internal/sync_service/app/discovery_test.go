package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
)

type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) Name() core_domain.ProviderName { return core_domain.ProviderOpenPhone }

func (m *MockAdapter) SendMessage(ctx context.Context, creds core_domain.Credentials, req provider.SendRequest) (*provider.SendResult, error) {
	args := m.Called(ctx, creds, req)
	res, _ := args.Get(0).(*provider.SendResult)
	return res, args.Error(1)
}

func (m *MockAdapter) GetPhoneNumbers(ctx context.Context, creds core_domain.Credentials) map[string]core_domain.PhoneNumberInfo {
	args := m.Called(ctx, creds)
	res, _ := args.Get(0).(map[string]core_domain.PhoneNumberInfo)
	return res
}

func (m *MockAdapter) GetConversations(ctx context.Context, creds core_domain.Credentials, q provider.ConversationQuery) ([]core_domain.Conversation, error) {
	args := m.Called(ctx, creds, q)
	res, _ := args.Get(0).([]core_domain.Conversation)
	return res, args.Error(1)
}

func (m *MockAdapter) GetMessages(ctx context.Context, creds core_domain.Credentials, q provider.MessageQuery) ([]core_domain.Message, error) {
	args := m.Called(ctx, creds, q)
	res, _ := args.Get(0).([]core_domain.Message)
	return res, args.Error(1)
}

func (m *MockAdapter) GetCalls(ctx context.Context, creds core_domain.Credentials, q provider.CallQuery) ([]core_domain.Call, error) {
	args := m.Called(ctx, creds, q)
	res, _ := args.Get(0).([]core_domain.Call)
	return res, args.Error(1)
}

func (m *MockAdapter) GetContacts(ctx context.Context, creds core_domain.Credentials, workspaceID uuid.UUID) ([]core_domain.Contact, error) {
	args := m.Called(ctx, creds, workspaceID)
	res, _ := args.Get(0).([]core_domain.Contact)
	return res, args.Error(1)
}

func (m *MockAdapter) InitiateCall(to string) provider.CallHandle {
	args := m.Called(to)
	res, _ := args.Get(0).(provider.CallHandle)
	return res
}

func (m *MockAdapter) ValidateCredentials(ctx context.Context, creds core_domain.Credentials) bool {
	args := m.Called(ctx, creds)
	return args.Bool(0)
}

func (m *MockAdapter) RegisterWebhooks(ctx context.Context, creds core_domain.Credentials, callbackURL string) (*provider.WebhookRegistration, error) {
	args := m.Called(ctx, creds, callbackURL)
	res, _ := args.Get(0).(*provider.WebhookRegistration)
	return res, args.Error(1)
}

func (m *MockAdapter) DeleteWebhooks(ctx context.Context, creds core_domain.Credentials, ids []string) error {
	args := m.Called(ctx, creds, ids)
	return args.Error(0)
}

func (m *MockAdapter) ListWebhooks(ctx context.Context, creds core_domain.Credentials) ([]string, error) {
	args := m.Called(ctx, creds)
	res, _ := args.Get(0).([]string)
	return res, args.Error(1)
}

func (m *MockAdapter) DownloadRecording(ctx context.Context, creds core_domain.Credentials, url string) ([]byte, error) {
	args := m.Called(ctx, creds, url)
	res, _ := args.Get(0).([]byte)
	return res, args.Error(1)
}

func (m *MockAdapter) GetCallTranscript(ctx context.Context, creds core_domain.Credentials, callID string) (*provider.Transcript, error) {
	args := m.Called(ctx, creds, callID)
	res, _ := args.Get(0).(*provider.Transcript)
	return res, args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func conversationFixture(workspaceID uuid.UUID, participant string, lastActivity time.Time) core_domain.Conversation {
	return core_domain.Conversation{
		ID: uuid.New(),
		Key: core_domain.ConversationKey{
			WorkspaceID:       workspaceID,
			Provider:          core_domain.ProviderOpenPhone,
			OwnedNumber:       "+15559876543",
			ParticipantNumber: participant,
		},
		LastMessageAt: lastActivity,
	}
}

func matchParticipant(participant string) interface{} {
	return mock.MatchedBy(func(q provider.MessageQuery) bool {
		return len(q.Participants) == 1 && q.Participants[0] == participant && q.Limit == 1
	})
}

func TestRecentConversationsReordersOnVerifiedActivity(t *testing.T) {
	workspaceID := uuid.New()
	creds := core_domain.Credentials{Provider: core_domain.ProviderOpenPhone, APIKey: "key"}

	// The listing says the quiet thread was last active in January, but its
	// true latest message is from February and should outrank the other.
	staleListed := conversationFixture(workspaceID, "+15551234567", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	trueLatest := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	freshListed := conversationFixture(workspaceID, "+15557654321", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	adapter := new(MockAdapter)
	adapter.On("GetConversations", mock.Anything, creds, mock.Anything).
		Return([]core_domain.Conversation{freshListed, staleListed}, nil)
	adapter.On("GetMessages", mock.Anything, creds, matchParticipant("+15551234567")).
		Return([]core_domain.Message{{Body: "actually recent", Direction: core_domain.DirectionInbound, CreatedAt: trueLatest}}, nil)
	adapter.On("GetMessages", mock.Anything, creds, matchParticipant("+15557654321")).
		Return([]core_domain.Message{{Body: "old news", Direction: core_domain.DirectionOutbound, CreatedAt: freshListed.LastMessageAt}}, nil)

	discovery := NewDiscovery(discardLogger())
	got, err := discovery.RecentConversations(context.Background(), adapter, creds, workspaceID, DiscoveryOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "+15551234567", got[0].Key.ParticipantNumber)
	assert.Equal(t, trueLatest, got[0].LastMessageAt)
	assert.Equal(t, "actually recent", got[0].LastMessagePreview)
	assert.Equal(t, core_domain.DirectionInbound, got[0].LastMessageDirection)
	adapter.AssertExpectations(t)
}

func TestRecentConversationsProbeFailureKeepsListingTimestamp(t *testing.T) {
	workspaceID := uuid.New()
	creds := core_domain.Credentials{Provider: core_domain.ProviderOpenPhone, APIKey: "key"}

	listed := conversationFixture(workspaceID, "+15551234567", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	adapter := new(MockAdapter)
	adapter.On("GetConversations", mock.Anything, creds, mock.Anything).
		Return([]core_domain.Conversation{listed}, nil)
	adapter.On("GetMessages", mock.Anything, creds, mock.Anything).
		Return(nil, errors.New("provider exploded"))

	discovery := NewDiscovery(discardLogger())
	got, err := discovery.RecentConversations(context.Background(), adapter, creds, workspaceID, DiscoveryOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, listed.LastMessageAt, got[0].LastMessageAt)
}

func TestRecentConversationsTrustedListingSkipsProbes(t *testing.T) {
	workspaceID := uuid.New()
	creds := core_domain.Credentials{Provider: core_domain.ProviderTwilio, AccountSID: "AC1", AuthToken: "tok"}

	listed := conversationFixture(workspaceID, "+15551234567", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	adapter := new(MockAdapter)
	adapter.On("GetConversations", mock.Anything, creds, mock.Anything).
		Return([]core_domain.Conversation{listed}, nil)

	discovery := NewDiscovery(discardLogger())
	got, err := discovery.RecentConversations(context.Background(), adapter, creds, workspaceID, DiscoveryOptions{
		Limit:                  1,
		TrustListingTimestamps: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	adapter.AssertNotCalled(t, "GetMessages", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecentConversationsTruncatesToLimit(t *testing.T) {
	workspaceID := uuid.New()
	creds := core_domain.Credentials{Provider: core_domain.ProviderOpenPhone, APIKey: "key"}

	var listed []core_domain.Conversation
	for i := 0; i < 10; i++ {
		listed = append(listed, conversationFixture(workspaceID, "+1555000000"+string(rune('0'+i)), time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)))
	}

	adapter := new(MockAdapter)
	adapter.On("GetConversations", mock.Anything, creds, mock.MatchedBy(func(q provider.ConversationQuery) bool {
		return q.Limit == minVerifyWindow
	})).Return(listed, nil)

	discovery := NewDiscovery(discardLogger())
	got, err := discovery.RecentConversations(context.Background(), adapter, creds, workspaceID, DiscoveryOptions{
		Limit:                  3,
		TrustListingTimestamps: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first after the resort.
	assert.True(t, got[0].LastMessageAt.After(got[1].LastMessageAt))
	assert.True(t, got[1].LastMessageAt.After(got[2].LastMessageAt))
}

func TestRecentConversationsWithSinceDropsQuietThreads(t *testing.T) {
	workspaceID := uuid.New()
	creds := core_domain.Credentials{Provider: core_domain.ProviderOpenPhone, APIKey: "key"}
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// The quiet thread's listing timestamp clears the floor, but no message
	// actually arrived after it; the active thread's listing timestamp is
	// stale yet a qualifying message exists.
	active := conversationFixture(workspaceID, "+15551234567", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	quiet := conversationFixture(workspaceID, "+15557654321", time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC))

	adapter := new(MockAdapter)
	adapter.On("GetConversations", mock.Anything, creds, mock.MatchedBy(func(q provider.ConversationQuery) bool {
		return q.Since != nil && q.Since.Equal(since)
	})).Return([]core_domain.Conversation{active, quiet}, nil)
	adapter.On("GetMessages", mock.Anything, creds, mock.MatchedBy(func(q provider.MessageQuery) bool {
		return len(q.Participants) == 1 && q.Participants[0] == "+15551234567" &&
			q.CreatedAfter != nil && q.CreatedAfter.Equal(since)
	})).Return([]core_domain.Message{{CreatedAt: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)}}, nil)
	adapter.On("GetMessages", mock.Anything, creds, matchParticipant("+15557654321")).
		Return([]core_domain.Message{}, nil)

	discovery := NewDiscovery(discardLogger())
	got, err := discovery.RecentConversations(context.Background(), adapter, creds, workspaceID, DiscoveryOptions{
		Limit: 5,
		Since: &since,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "+15551234567", got[0].Key.ParticipantNumber)
	assert.Equal(t, time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC), got[0].LastMessageAt)
	adapter.AssertExpectations(t)
}

func TestFilterActiveSince(t *testing.T) {
	workspaceID := uuid.New()
	creds := core_domain.Credentials{Provider: core_domain.ProviderOpenPhone, APIKey: "key"}
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	active := conversationFixture(workspaceID, "+15551234567", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))
	quiet := conversationFixture(workspaceID, "+15557654321", time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	// Probe fails for this one, but its listing timestamp clears the floor.
	unknown := conversationFixture(workspaceID, "+15550001111", time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC))

	adapter := new(MockAdapter)
	adapter.On("GetMessages", mock.Anything, creds, matchParticipant("+15551234567")).
		Return([]core_domain.Message{{CreatedAt: time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)}}, nil)
	adapter.On("GetMessages", mock.Anything, creds, matchParticipant("+15557654321")).
		Return([]core_domain.Message{}, nil)
	adapter.On("GetMessages", mock.Anything, creds, matchParticipant("+15550001111")).
		Return(nil, errors.New("probe failed"))

	discovery := NewDiscovery(discardLogger())
	got := discovery.FilterActiveSince(context.Background(), adapter, creds, []core_domain.Conversation{active, quiet, unknown}, since)

	require.Len(t, got, 2)
	participants := []string{got[0].Key.ParticipantNumber, got[1].Key.ParticipantNumber}
	assert.Contains(t, participants, "+15551234567")
	assert.Contains(t, participants, "+15550001111")
	adapter.AssertExpectations(t)
}
