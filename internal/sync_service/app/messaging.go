package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
	"github.com/commsync/commsync/internal/sync_service/domain"
)

// MessagingService dispatches outbound messages and records them locally so
// the stored thread reflects the send without waiting for the next sync.
type MessagingService struct {
	adapters      map[core_domain.ProviderName]provider.Adapter
	credentials   *CredentialService
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	logger        *slog.Logger
}

func NewMessagingService(adapters map[core_domain.ProviderName]provider.Adapter, credentials *CredentialService, conversations domain.ConversationRepository, messages domain.MessageRepository, logger *slog.Logger) *MessagingService {
	return &MessagingService{
		adapters:      adapters,
		credentials:   credentials,
		conversations: conversations,
		messages:      messages,
		logger:        logger.With("component", "messaging"),
	}
}

// SendMessage dispatches through the provider and upserts the message and
// its conversation. A storage failure after a successful dispatch is logged
// and swallowed: the message went out, and the next sync converges the store.
func (s *MessagingService) SendMessage(ctx context.Context, workspaceID uuid.UUID, providerName core_domain.ProviderName, req provider.SendRequest) (*core_domain.Message, error) {
	adapter, ok := s.adapters[providerName]
	if !ok {
		return nil, core_domain.NewDomainError(core_domain.ErrorKindConfig, "messaging.send", core_domain.ErrNotFound)
	}
	creds, err := s.credentials.Get(ctx, workspaceID, providerName)
	if err != nil {
		return nil, err
	}

	result, err := adapter.SendMessage(ctx, creds, req)
	if err != nil {
		return nil, err
	}

	// The adapter resolves a default sender when the request omits one; key the
	// thread off the number that actually sent so the next sync lands on the
	// same row.
	ownedNumber := core_domain.NormalizeE164(core_domain.StripChannel(result.From))
	if ownedNumber == "" {
		ownedNumber = core_domain.NormalizeE164(core_domain.StripChannel(req.From))
	}
	if ownedNumber == "" {
		ownedNumber = core_domain.UnknownOwnedNumber
	}
	participant := core_domain.NormalizeE164(core_domain.StripChannel(req.To))

	key := core_domain.ConversationKey{
		WorkspaceID:       workspaceID,
		Provider:          providerName,
		OwnedNumber:       ownedNumber,
		ParticipantNumber: participant,
	}
	sentAt := result.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	msg := &core_domain.Message{
		Key:               key,
		ProviderMessageID: result.ProviderMessageID,
		Direction:         core_domain.DirectionOutbound,
		Body:              req.Body,
		FromNumber:        ownedNumber,
		ToNumber:          participant,
		Status:            result.Status,
		CreatedAt:         sentAt,
	}

	if err := s.conversations.Upsert(ctx, &core_domain.Conversation{
		Key:                  key,
		CreatedAt:            sentAt,
		LastMessageAt:        sentAt,
		LastMessagePreview:   req.Body,
		LastMessageDirection: core_domain.DirectionOutbound,
	}); err != nil {
		s.logger.ErrorContext(ctx, "Failed to record conversation for sent message", "error", err, "provider_message_id", result.ProviderMessageID)
	}
	if err := s.messages.Upsert(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "Failed to record sent message", "error", err, "provider_message_id", result.ProviderMessageID)
	}
	return msg, nil
}

// ListConversations returns the stored conversation index, newest first.
func (s *MessagingService) ListConversations(ctx context.Context, workspaceID uuid.UUID, providerName core_domain.ProviderName, limit int) ([]core_domain.Conversation, error) {
	return s.conversations.ListRecent(ctx, workspaceID, providerName, limit)
}

// ListMessages returns the stored messages of one conversation, newest first.
func (s *MessagingService) ListMessages(ctx context.Context, key core_domain.ConversationKey, limit int) ([]core_domain.Message, error) {
	return s.messages.ListByConversation(ctx, key, limit)
}
