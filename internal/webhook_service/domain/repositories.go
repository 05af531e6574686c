package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RegistrationRepository persists provider webhook registrations.
type RegistrationRepository interface {
	Create(ctx context.Context, reg *Registration) error
	GetByID(ctx context.Context, id uuid.UUID) (*Registration, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]Registration, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// SubscriptionRepository persists outbound event subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// RecordDelivery updates delivery bookkeeping; success resets the failure
	// count, failure increments it.
	RecordDelivery(ctx context.Context, id uuid.UUID, at time.Time, success bool) error
}
