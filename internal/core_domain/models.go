package core_domain

import (
	"time"

	"github.com/google/uuid"
)

// ProviderName identifies a connected telephony provider.
type ProviderName string

const (
	ProviderOpenPhone ProviderName = "openphone"
	ProviderTwilio    ProviderName = "twilio"
)

// Direction of a message or call relative to the workspace.
type Direction string

const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
)

// MessageStatus is the canonical delivery status of a message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// messageStatusRank orders statuses so that upserts only ever move forward.
// Delivered and failed are both terminal.
var messageStatusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusQueued:    1,
	MessageStatusSent:      2,
	MessageStatusDelivered: 3,
	MessageStatusFailed:    3,
}

// StatusRank returns the forward-only ordering rank of a message status.
// Unknown statuses rank lowest so they never overwrite real progress.
func (s MessageStatus) StatusRank() int {
	return messageStatusRank[s]
}

// CallStatus is the canonical outcome of a call.
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusMissed     CallStatus = "missed"
	CallStatusCancelled  CallStatus = "cancelled"
	CallStatusVoicemail  CallStatus = "voicemail"
)

// UnknownOwnedNumber keys records whose owning phone number could not be
// determined. History is kept under a placeholder rather than dropped.
const UnknownOwnedNumber = "unknown"

// ConversationKey is the provider-agnostic identity of a conversation:
// the pair (owned number, participant number) within a workspace/provider.
// Providers with native conversation objects must still dedupe onto the pair.
type ConversationKey struct {
	WorkspaceID       uuid.UUID    `json:"workspaceId"`
	Provider          ProviderName `json:"provider"`
	OwnedNumber       string       `json:"ownedNumber"`
	ParticipantNumber string       `json:"participantNumber"`
}

// Conversation is one thread of communication between an owned number and a
// participant.
type Conversation struct {
	ID                   uuid.UUID         `json:"id"`
	Key                  ConversationKey   `json:"key"`
	ExternalID           string            `json:"externalId,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	LastMessageAt        time.Time         `json:"lastMessageAt"`
	LastMessagePreview   string            `json:"lastMessagePreview,omitempty"`
	LastMessageDirection Direction         `json:"lastMessageDirection,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Message is immutable once created except for forward status transitions.
type Message struct {
	ID                uuid.UUID       `json:"id"`
	Key               ConversationKey `json:"key"`
	ProviderMessageID string          `json:"providerMessageId"`
	Direction         Direction       `json:"direction"`
	Body              string          `json:"body"`
	FromNumber        string          `json:"fromNumber"`
	ToNumber          string          `json:"toNumber"`
	Status            MessageStatus   `json:"status"`
	CreatedAt         time.Time       `json:"createdAt"`
	MediaURLs         []string        `json:"mediaUrls,omitempty"`
}

// Call is a voice interaction on a conversation.
type Call struct {
	ID              uuid.UUID       `json:"id"`
	Key             ConversationKey `json:"key"`
	ProviderCallID  string          `json:"providerCallId"`
	Direction       Direction       `json:"direction"`
	DurationSeconds int             `json:"durationSeconds"`
	FromNumber      string          `json:"fromNumber"`
	ToNumber        string          `json:"toNumber"`
	Status          CallStatus      `json:"status"`
	RecordingURL    string          `json:"recordingUrl,omitempty"`
	VoicemailURL    string          `json:"voicemailUrl,omitempty"`
	HasTranscript   bool            `json:"hasTranscript"`
	StartedAt       time.Time       `json:"startedAt"`
	EndedAt         time.Time       `json:"endedAt"`
}

// Contact is a directory entry indexed for lookup by any written variant of
// its phone numbers.
type Contact struct {
	ID           uuid.UUID         `json:"id"`
	WorkspaceID  uuid.UUID         `json:"workspaceId"`
	Provider     ProviderName      `json:"provider"`
	ExternalID   string            `json:"externalId"`
	DisplayName  string            `json:"displayName"`
	PhoneNumbers []string          `json:"phoneNumbers"`
	LookupKeys   []string          `json:"lookupKeys"`
	Notes        string            `json:"notes,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

// PhoneNumberInfo describes a provider-owned number. The provider stays
// authoritative; this is cached per sync run, never persisted as truth.
type PhoneNumberInfo struct {
	ID               string `json:"id"`
	Number           string `json:"number"`
	Name             string `json:"name,omitempty"`
	SupportsSMS      bool   `json:"supportsSms"`
	SupportsVoice    bool   `json:"supportsVoice"`
	SupportsMMS      bool   `json:"supportsMms"`
	ComplianceStatus string `json:"complianceStatus,omitempty"`
}
