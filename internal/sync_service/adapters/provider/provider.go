package provider

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
)

// SendRequest describes an outbound message. From is optional; adapters must
// resolve a deterministic default sender when it is empty. Channel selects a
// non-SMS transport ("whatsapp"); empty means SMS.
type SendRequest struct {
	From    string
	To      string
	Body    string
	Channel string
}

// SendResult is the provider acknowledgement of a dispatched message. From is
// the owned number the adapter actually sent from, after default resolution,
// without any channel prefix.
type SendResult struct {
	ProviderMessageID string
	From              string
	Status            core_domain.MessageStatus
	SentAt            time.Time
}

// ConversationQuery bounds a conversation listing.
type ConversationQuery struct {
	WorkspaceID       uuid.UUID
	Limit             int
	PhoneNumberFilter string
	Since             *time.Time
}

// MetadataPhoneNumberID is the conversation metadata key carrying the
// provider-side id of the owned number. Adapters that need the id for
// message and call queries store it at listing time so later queries skip a
// lookup round trip.
const MetadataPhoneNumberID = "phoneNumberId"

// MetadataOtherParticipants carries the remaining participants of a group
// thread, comma separated in E.164 form. The conversation key holds only the
// first participant.
const MetadataOtherParticipants = "otherParticipants"

// MessageQuery addresses the messages of one conversation, most recent first.
// OwnedNumberID is an optional provider-side id of the owned number; passing
// it (e.g. from conversation metadata) saves adapters a lookup round trip.
type MessageQuery struct {
	WorkspaceID   uuid.UUID
	OwnedNumber   string
	OwnedNumberID string
	Participants  []string
	Limit         int
	CreatedAfter  *time.Time
}

// CallQuery addresses the calls of one conversation.
type CallQuery struct {
	WorkspaceID   uuid.UUID
	OwnedNumber   string
	OwnedNumberID string
	Participant   string
	Limit         int
}

// CallHandle carries client-actionable handles for placing a call. Adapters
// never place calls themselves.
type CallHandle struct {
	DeepLink    string `json:"deepLink"`
	WebFallback string `json:"webFallback"`
}

// WebhookRegistration is the outcome of registering push callbacks.
type WebhookRegistration struct {
	IDs          []string
	SharedSecret string
}

// TranscriptStatus distinguishes a ready transcript from one still being
// produced and from one that will never exist. Pending is retryable, absent
// is a steady state; neither is an error.
type TranscriptStatus string

const (
	TranscriptCompleted TranscriptStatus = "completed"
	TranscriptPending   TranscriptStatus = "pending"
	TranscriptAbsent    TranscriptStatus = "absent"
)

// Transcript is the result of a transcript lookup.
type Transcript struct {
	Text   string
	Status TranscriptStatus
}

// Adapter is the capability contract every provider integration satisfies.
// Adapters are stateless: credentials are passed per call and a fresh
// provider request is built each time, which keeps them trivial to fake.
// All provider quirks (field names, status vocabularies, pagination shapes)
// are absorbed behind this surface; only core_domain types and the error
// taxonomy cross it.
type Adapter interface {
	Name() core_domain.ProviderName

	// SendMessage normalizes the destination to E.164 and dispatches. With no
	// explicit From it resolves the first available owned number and returns
	// core_domain.ErrNoSendingNumber when none exists.
	SendMessage(ctx context.Context, creds core_domain.Credentials, req SendRequest) (*SendResult, error)

	// GetPhoneNumbers returns provider numbers keyed by id. Numbers are an
	// enrichment, not a hard dependency: failures log and return an empty map.
	GetPhoneNumbers(ctx context.Context, creds core_domain.Credentials) map[string]core_domain.PhoneNumberInfo

	GetConversations(ctx context.Context, creds core_domain.Credentials, q ConversationQuery) ([]core_domain.Conversation, error)
	GetMessages(ctx context.Context, creds core_domain.Credentials, q MessageQuery) ([]core_domain.Message, error)
	GetCalls(ctx context.Context, creds core_domain.Credentials, q CallQuery) ([]core_domain.Call, error)
	GetContacts(ctx context.Context, creds core_domain.Credentials, workspaceID uuid.UUID) ([]core_domain.Contact, error)

	// InitiateCall returns handles only; the client places the call.
	InitiateCall(to string) CallHandle

	// ValidateCredentials is a cheap read-only connectivity probe.
	ValidateCredentials(ctx context.Context, creds core_domain.Credentials) bool

	RegisterWebhooks(ctx context.Context, creds core_domain.Credentials, callbackURL string) (*WebhookRegistration, error)
	DeleteWebhooks(ctx context.Context, creds core_domain.Credentials, ids []string) error
	ListWebhooks(ctx context.Context, creds core_domain.Credentials) ([]string, error)

	// DownloadRecording tries the pre-signed URL first, then falls back to
	// authenticated retrieval. Returns (nil, nil) when truly unavailable.
	DownloadRecording(ctx context.Context, creds core_domain.Credentials, url string) ([]byte, error)

	GetCallTranscript(ctx context.Context, creds core_domain.Credentials, callID string) (*Transcript, error)
}
