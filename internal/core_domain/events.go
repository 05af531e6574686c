package core_domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates the canonical domain events produced by both the bulk
// sync path and the webhook path.
type EventKind string

const (
	EventMessageReceived        EventKind = "message.received"
	EventMessageDelivered       EventKind = "message.delivered"
	EventMessageFailed          EventKind = "message.failed"
	EventCallCompleted          EventKind = "call.completed"
	EventCallRinging            EventKind = "call.ringing"
	EventCallRecordingCompleted EventKind = "call.recording.completed"
)

// Event is the canonical envelope published to the realtime fanout and to
// outbound tenant webhooks.
type Event struct {
	Kind        EventKind       `json:"kind"`
	WorkspaceID uuid.UUID       `json:"workspaceId"`
	Provider    ProviderName    `json:"provider"`
	Key         ConversationKey `json:"conversationKey"`
	Message     *Message        `json:"message,omitempty"`
	Call        *Call           `json:"call,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EventSubjectPrefix is the NATS subject space canonical events publish under.
const EventSubjectPrefix = "events"

// EventSubject returns the per-workspace NATS subject for canonical events.
func EventSubject(workspaceID uuid.UUID) string {
	return fmt.Sprintf("%s.%s", EventSubjectPrefix, workspaceID)
}

// RawWebhookSubject returns the NATS subject raw provider webhook payloads
// are queued on before normalization.
func RawWebhookSubject(provider ProviderName) string {
	return fmt.Sprintf("webhook.raw.%s", provider)
}
