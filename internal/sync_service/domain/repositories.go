package domain

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
)

// ConversationRepository persists conversations keyed by the
// (workspace, provider, owned number, participant) pair. Upserts are
// idempotent and lastMessageAt only ever moves forward.
type ConversationRepository interface {
	Upsert(ctx context.Context, conv *core_domain.Conversation) error
	ListRecent(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName, limit int) ([]core_domain.Conversation, error)
	GetByKey(ctx context.Context, key core_domain.ConversationKey) (*core_domain.Conversation, error)
}

// MessageRepository persists messages keyed by provider message id. Status
// transitions are forward-only; re-upserting the same observation is a no-op.
type MessageRepository interface {
	Upsert(ctx context.Context, msg *core_domain.Message) error
	ListByConversation(ctx context.Context, key core_domain.ConversationKey, limit int) ([]core_domain.Message, error)
}

// CallRepository persists calls keyed by provider call id.
type CallRepository interface {
	Upsert(ctx context.Context, call *core_domain.Call) error
	ListByConversation(ctx context.Context, key core_domain.ConversationKey, limit int) ([]core_domain.Call, error)
}

// ContactRepository persists contacts keyed by provider external id, indexed
// by every lookup variant of their numbers.
type ContactRepository interface {
	Upsert(ctx context.Context, contact *core_domain.Contact) error
	FindByNumber(ctx context.Context, workspaceID uuid.UUID, number string) (*core_domain.Contact, error)
}

// CredentialRepository stores sealed provider credential bundles per
// workspace.
type CredentialRepository interface {
	Save(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName, sealed []byte) error
	Get(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName) ([]byte, error)
	Delete(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName) error
}

// SyncRunRepository persists run checkpoints.
type SyncRunRepository interface {
	Create(ctx context.Context, run *SyncRun) error
	UpdateProgress(ctx context.Context, runID uuid.UUID, progress Progress, processed, skipped int) error
	Finish(ctx context.Context, runID uuid.UUID, state RunState, processed, skipped int, runErr string, lastSyncedAt time.Time) error
	LastWatermark(ctx context.Context, workspaceID uuid.UUID, provider core_domain.ProviderName) (time.Time, error)
}
