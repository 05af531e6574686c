package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/platform/messagebroker"
	"github.com/commsync/commsync/internal/webhook_service/domain"
)

// NormalizerQueueGroup shares raw webhook traffic across service instances.
const NormalizerQueueGroup = "webhook-normalizers"

type conversationStore interface {
	Upsert(ctx context.Context, conv *core_domain.Conversation) error
}

type messageStore interface {
	Upsert(ctx context.Context, msg *core_domain.Message) error
}

type callStore interface {
	Upsert(ctx context.Context, call *core_domain.Call) error
}

// Normalizer consumes raw provider webhooks off the queue, translates them
// into canonical events through the provider adapter, persists the carried
// message or call, and republishes the canonical event for fanout. The HTTP
// receiver stays dumb and fast; everything interesting happens here.
type Normalizer struct {
	broker        messagebroker.NATSClient
	adapters      map[core_domain.ProviderName]ProviderWebhooks
	conversations conversationStore
	messages      messageStore
	calls         callStore
	logger        *slog.Logger
}

func NewNormalizer(broker messagebroker.NATSClient, adapters map[core_domain.ProviderName]ProviderWebhooks, conversations conversationStore, messages messageStore, calls callStore, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		broker:        broker,
		adapters:      adapters,
		conversations: conversations,
		messages:      messages,
		calls:         calls,
		logger:        logger.With("component", "normalizer"),
	}
}

// Start subscribes to all raw webhook subjects. Blocking until subscribed;
// message handling continues until the subscription is drained.
func (n *Normalizer) Start(ctx context.Context) (messagebroker.Subscription, error) {
	subject := core_domain.RawWebhookSubject("*")
	n.logger.InfoContext(ctx, "Starting raw webhook subscription", "subject", subject, "queue_group", NormalizerQueueGroup)
	return n.broker.SubscribeToSubjectWithQueue(ctx, subject, NormalizerQueueGroup, func(msg messagebroker.Message) {
		if err := n.Handle(ctx, msg.Subject(), msg.Data()); err != nil {
			n.logger.ErrorContext(ctx, "Failed to process raw webhook", "subject", msg.Subject(), "error", err)
		}
	})
}

// Handle processes one raw webhook envelope.
func (n *Normalizer) Handle(ctx context.Context, subject string, data []byte) error {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "webhook" || parts[1] != "raw" {
		return core_domain.NewDomainError(core_domain.ErrorKindPartialData, "normalizer.handle",
			&subjectError{subject: subject})
	}
	providerName := core_domain.ProviderName(parts[2])
	adapter, ok := n.adapters[providerName]
	if !ok {
		return core_domain.NewDomainError(core_domain.ErrorKindConfig, "normalizer.handle",
			&subjectError{subject: subject})
	}

	var raw domain.RawWebhook
	if err := json.Unmarshal(data, &raw); err != nil {
		return core_domain.NewDomainError(core_domain.ErrorKindPartialData, "normalizer.handle", err)
	}

	event, err := adapter.ParseWebhook(raw.WorkspaceID, raw.Body)
	if err != nil {
		return err
	}

	if err := n.persist(ctx, event); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := n.broker.Publish(ctx, core_domain.EventSubject(event.WorkspaceID), payload); err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "Webhook normalized", "kind", event.Kind,
		"workspace_id", event.WorkspaceID, "provider", event.Provider)
	return nil
}

// persist stores the carried message or call and keeps the conversation
// index current. Only messages advance conversation activity; a call event
// ensures the conversation row exists without touching the preview.
func (n *Normalizer) persist(ctx context.Context, event *core_domain.Event) error {
	conv := &core_domain.Conversation{
		Key:       event.Key,
		CreatedAt: event.OccurredAt,
	}
	if event.Message != nil {
		conv.LastMessageAt = event.Message.CreatedAt
		conv.LastMessagePreview = event.Message.Body
		conv.LastMessageDirection = event.Message.Direction
		if err := n.messages.Upsert(ctx, event.Message); err != nil {
			return err
		}
	}
	if event.Call != nil {
		if err := n.calls.Upsert(ctx, event.Call); err != nil {
			return err
		}
	}
	return n.conversations.Upsert(ctx, conv)
}

type subjectError struct {
	subject string
}

func (e *subjectError) Error() string {
	return "unroutable webhook subject " + e.subject
}
