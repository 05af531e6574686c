package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/commsync/commsync/internal/core_domain"
)

type PgContactRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgContactRepository(db Querier, logger *slog.Logger) *PgContactRepository {
	return &PgContactRepository{db: db, logger: logger}
}

func (r *PgContactRepository) Upsert(ctx context.Context, contact *core_domain.Contact) error {
	query := `
		INSERT INTO contacts (id, workspace_id, provider, external_id, display_name, phone_numbers, lookup_keys, notes, custom_fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workspace_id, provider, external_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			phone_numbers = EXCLUDED.phone_numbers,
			lookup_keys = EXCLUDED.lookup_keys,
			notes = EXCLUDED.notes,
			custom_fields = EXCLUDED.custom_fields
		RETURNING id
	`
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	customFieldsJSON, err := json.Marshal(contact.CustomFields)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marshaling contact custom_fields", "error", err, "external_id", contact.ExternalID)
		return err
	}

	err = r.db.QueryRow(ctx, query,
		contact.ID, contact.WorkspaceID, contact.Provider, contact.ExternalID, contact.DisplayName,
		contact.PhoneNumbers, contact.LookupKeys, contact.Notes, customFieldsJSON,
	).Scan(&contact.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting contact", "error", err,
			"external_id", contact.ExternalID, "workspace_id", contact.WorkspaceID)
		return err
	}
	return nil
}

// FindByNumber matches any written variant of the number against the stored
// lookup keys, so "+15551234567", "15551234567" and "5551234567" all resolve
// to the same contact.
func (r *PgContactRepository) FindByNumber(ctx context.Context, workspaceID uuid.UUID, number string) (*core_domain.Contact, error) {
	query := `
		SELECT id, workspace_id, provider, external_id, display_name, phone_numbers, lookup_keys, notes, custom_fields
		FROM contacts
		WHERE workspace_id = $1 AND lookup_keys && $2
		LIMIT 1
	`
	variants := core_domain.LookupVariants(number)

	contact := &core_domain.Contact{}
	var customFieldsJSON []byte
	err := r.db.QueryRow(ctx, query, workspaceID, variants).Scan(
		&contact.ID, &contact.WorkspaceID, &contact.Provider, &contact.ExternalID, &contact.DisplayName,
		&contact.PhoneNumbers, &contact.LookupKeys, &contact.Notes, &customFieldsJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error finding contact by number", "error", err, "workspace_id", workspaceID)
		return nil, err
	}
	if len(customFieldsJSON) > 0 {
		if err := json.Unmarshal(customFieldsJSON, &contact.CustomFields); err != nil {
			r.logger.ErrorContext(ctx, "Error unmarshaling contact custom_fields", "error", err, "contact_id", contact.ID)
			return nil, err
		}
	}
	return contact, nil
}
