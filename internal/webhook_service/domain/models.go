package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
)

// Registration records push callbacks installed at a provider for one
// workspace. Its ID is the opaque segment of the public callback URL, so an
// incoming request resolves to a workspace and a shared secret without
// trusting anything in the payload.
type Registration struct {
	ID           uuid.UUID                `json:"id"`
	WorkspaceID  uuid.UUID                `json:"workspaceId"`
	Provider     core_domain.ProviderName `json:"provider"`
	CallbackURL  string                   `json:"callbackUrl"`
	ProviderIDs  []string                 `json:"providerIds"`
	SharedSecret string                   `json:"-"`
	CreatedAt    time.Time                `json:"createdAt"`
}

// Subscription is an outbound fanout target: a tenant endpoint that receives
// canonical events, signed with the subscription's secret.
type Subscription struct {
	ID              uuid.UUID `json:"id"`
	WorkspaceID     uuid.UUID `json:"workspaceId"`
	URL             string    `json:"url" validate:"required,url"`
	Secret          string    `json:"-"`
	CreatedAt       time.Time `json:"createdAt"`
	LastDeliveredAt time.Time `json:"lastDeliveredAt,omitempty"`
	FailureCount    int       `json:"failureCount"`
}

// RawWebhook is the envelope the receiver queues for normalization. The body
// is kept verbatim; only the normalizer interprets it.
type RawWebhook struct {
	WorkspaceID uuid.UUID                `json:"workspaceId"`
	Provider    core_domain.ProviderName `json:"provider"`
	WebhookID   uuid.UUID                `json:"webhookId"`
	Body        []byte                   `json:"body"`
	ReceivedAt  time.Time                `json:"receivedAt"`
}
