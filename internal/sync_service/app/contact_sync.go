package app

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
	"github.com/commsync/commsync/internal/sync_service/domain"
)

// ContactSyncer imports contacts in one of two modes: the provider's saved
// directory, or a directory derived from the participants actually observed
// in conversations (providers like Twilio have no contact store at all).
type ContactSyncer struct {
	contacts domain.ContactRepository
	logger   *slog.Logger
}

func NewContactSyncer(contacts domain.ContactRepository, logger *slog.Logger) *ContactSyncer {
	return &ContactSyncer{contacts: contacts, logger: logger.With("component", "contact_sync")}
}

// SyncDirectory imports the provider's saved contacts. Returns processed and
// skipped counts; a single bad contact never aborts the import.
func (s *ContactSyncer) SyncDirectory(ctx context.Context, adapter provider.Adapter, creds core_domain.Credentials, workspaceID uuid.UUID) (processed, skipped int, err error) {
	contacts, err := adapter.GetContacts(ctx, creds, workspaceID)
	if err != nil {
		return 0, 0, err
	}

	for i := range contacts {
		if err := ctx.Err(); err != nil {
			return processed, skipped, err
		}
		contact := &contacts[i]
		indexContact(contact)
		if err := s.contacts.Upsert(ctx, contact); err != nil {
			s.logger.WarnContext(ctx, "Skipping contact that failed to store", "external_id", contact.ExternalID, "error", err)
			skipped++
			continue
		}
		processed++
	}
	return processed, skipped, nil
}

// DeriveFromParticipants builds placeholder contacts for conversation
// participants not already in the directory, keyed by their E.164 number.
func (s *ContactSyncer) DeriveFromParticipants(ctx context.Context, workspaceID uuid.UUID, providerName core_domain.ProviderName, conversations []core_domain.Conversation) (processed, skipped int, err error) {
	seen := make(map[string]bool)
	for _, conv := range conversations {
		if err := ctx.Err(); err != nil {
			return processed, skipped, err
		}
		number := conv.Key.ParticipantNumber
		if number == "" || seen[number] {
			continue
		}
		seen[number] = true

		if _, lookupErr := s.contacts.FindByNumber(ctx, workspaceID, number); lookupErr == nil {
			continue
		} else if !core_domain.IsNotFound(lookupErr) {
			s.logger.WarnContext(ctx, "Skipping participant after lookup failure", "number", number, "error", lookupErr)
			skipped++
			continue
		}

		contact := &core_domain.Contact{
			WorkspaceID:  workspaceID,
			Provider:     providerName,
			ExternalID:   "derived:" + number,
			DisplayName:  number,
			PhoneNumbers: []string{number},
		}
		indexContact(contact)
		if err := s.contacts.Upsert(ctx, contact); err != nil {
			s.logger.WarnContext(ctx, "Skipping derived contact that failed to store", "number", number, "error", err)
			skipped++
			continue
		}
		processed++
	}
	return processed, skipped, nil
}

// indexContact fills the lookup keys from every written variant of the
// contact's numbers.
func indexContact(contact *core_domain.Contact) {
	var keys []string
	seen := make(map[string]bool)
	for _, number := range contact.PhoneNumbers {
		for _, variant := range core_domain.LookupVariants(number) {
			if variant == "" || seen[variant] {
				continue
			}
			seen[variant] = true
			keys = append(keys, variant)
		}
	}
	contact.LookupKeys = keys
}
