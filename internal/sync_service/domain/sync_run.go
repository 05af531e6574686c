package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
)

// RunState is the lifecycle of a sync run: idle → running → terminal.
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// SyncPhase names the unit of work progress is reported against.
type SyncPhase string

const (
	PhaseConversations SyncPhase = "conversations"
	PhaseMessages      SyncPhase = "messages"
	PhaseContacts      SyncPhase = "contacts"
)

// Progress is the externally visible position of a run.
type Progress struct {
	Phase     SyncPhase `json:"phase"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
}

// SyncOptions shape one run.
type SyncOptions struct {
	Provider core_domain.ProviderName `json:"provider" validate:"required,oneof=openphone twilio"`
	// Limit bounds the number of conversations pulled; 0 means unbounded
	// (up to the pagination safety cap).
	Limit int `json:"limit" validate:"gte=0"`
	// Since restricts the run to activity after this floor (catch-up mode).
	Since *time.Time `json:"since,omitempty"`
	// SyncMessages pulls per-conversation messages and calls; off pulls the
	// conversation index only.
	SyncMessages bool `json:"syncMessages"`
	// OnlySavedContacts imports the provider's contact directory; otherwise
	// contacts are derived from observed conversation participants.
	OnlySavedContacts bool `json:"onlySavedContacts"`
	// PhoneNumberFilter restricts the run to one owned number.
	PhoneNumberFilter string `json:"phoneNumberFilter,omitempty"`
}

// SyncRun is the persisted record of one run. It is the only
// globally-mutable shared state per workspace; the orchestrator guards its
// read-modify-write transitions.
type SyncRun struct {
	ID          uuid.UUID                `json:"id"`
	WorkspaceID uuid.UUID                `json:"workspaceId"`
	Provider    core_domain.ProviderName `json:"provider"`
	State       RunState                 `json:"state"`
	Options     SyncOptions              `json:"options"`
	Progress    Progress                 `json:"progress"`
	// Processed/Skipped report the best-effort outcome: partial-data errors
	// skip a unit and keep going, and the counts make that visible.
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	// LastSyncedAt is the watermark the next catch-up run uses as its floor.
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
}
