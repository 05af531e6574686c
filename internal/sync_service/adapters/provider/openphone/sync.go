package openphone

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
)

const pageSize = 50

type conversationDTO struct {
	ID             string    `json:"id"`
	PhoneNumberID  string    `json:"phoneNumberId"`
	Participants   []string  `json:"participants"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

type conversationsResponse struct {
	Data          []conversationDTO `json:"data"`
	NextPageToken string            `json:"nextPageToken"`
}

// GetConversations lists OpenPhone conversation objects. The listing's
// lastActivityAt is known to go stale; it is carried as-is and reconciled by
// the discovery layer, never trusted verbatim.
func (a *Adapter) GetConversations(ctx context.Context, creds core_domain.Credentials, q provider.ConversationQuery) ([]core_domain.Conversation, error) {
	numbers := a.GetPhoneNumbers(ctx, creds)
	numberByID := make(map[string]string, len(numbers))
	idByNumber := make(map[string]string, len(numbers))
	for id, info := range numbers {
		numberByID[id] = info.Number
		idByNumber[info.Number] = id
	}

	query := url.Values{"maxResults": {strconv.Itoa(pageSize)}}
	if q.PhoneNumberFilter != "" {
		if id, ok := idByNumber[core_domain.NormalizeE164(q.PhoneNumberFilter)]; ok {
			query.Set("phoneNumberId", id)
		}
	}
	if q.Since != nil {
		query.Set("updatedAfter", q.Since.UTC().Format(time.RFC3339))
	}

	opts := provider.WalkOptions{}
	if q.Limit > 0 {
		opts.Enough = func(collected int) bool { return collected >= q.Limit }
	}

	dtos, err := provider.WalkPages(ctx, a.logger, opts, func(ctx context.Context, cursor string) ([]conversationDTO, string, error) {
		pageQuery := url.Values{}
		for k, v := range query {
			pageQuery[k] = v
		}
		if cursor != "" {
			pageQuery.Set("pageToken", cursor)
		}
		resp, err := provider.DoWithRetry(ctx, a.logger, "list conversations", func(ctx context.Context) (*conversationsResponse, error) {
			var r conversationsResponse
			if err := a.doJSON(ctx, creds, http.MethodGet, "/conversations", pageQuery, nil, &r); err != nil {
				return nil, err
			}
			return &r, nil
		})
		if err != nil {
			return nil, "", err
		}
		return resp.Data, resp.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}

	conversations := make([]core_domain.Conversation, 0, len(dtos))
	for _, dto := range dtos {
		owned, ok := numberByID[dto.PhoneNumberID]
		if !ok || owned == "" {
			// History must not disappear because of a metadata gap.
			owned = core_domain.UnknownOwnedNumber
		}
		participant := ""
		if len(dto.Participants) > 0 {
			participant = core_domain.NormalizeE164(dto.Participants[0])
		}
		metadata := map[string]string{provider.MetadataPhoneNumberID: dto.PhoneNumberID}
		if len(dto.Participants) > 1 {
			// Group threads key off the first participant; the rest ride along
			// in metadata so they survive the pair-shaped key.
			others := make([]string, 0, len(dto.Participants)-1)
			for _, p := range dto.Participants[1:] {
				others = append(others, core_domain.NormalizeE164(p))
			}
			metadata[provider.MetadataOtherParticipants] = strings.Join(others, ",")
		}
		conversations = append(conversations, core_domain.Conversation{
			ID: uuid.New(),
			Key: core_domain.ConversationKey{
				WorkspaceID:       q.WorkspaceID,
				Provider:          core_domain.ProviderOpenPhone,
				OwnedNumber:       owned,
				ParticipantNumber: participant,
			},
			ExternalID:    dto.ID,
			CreatedAt:     dto.CreatedAt,
			LastMessageAt: dto.LastActivityAt,
			Metadata:      metadata,
		})
	}
	return conversations, nil
}

// phoneNumberIDFor resolves the provider id of an owned number, preferring
// the caller-supplied hint over a lookup round trip.
func (a *Adapter) phoneNumberIDFor(ctx context.Context, creds core_domain.Credentials, hint, ownedNumber string) string {
	if hint != "" {
		return hint
	}
	for id, info := range a.GetPhoneNumbers(ctx, creds) {
		if info.Number == core_domain.NormalizeE164(ownedNumber) {
			return id
		}
	}
	return ""
}

type messageDTO struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	Media     []struct {
		URL string `json:"url"`
	} `json:"media"`
}

type messagesResponse struct {
	Data          []messageDTO `json:"data"`
	NextPageToken string       `json:"nextPageToken"`
}

func (a *Adapter) GetMessages(ctx context.Context, creds core_domain.Credentials, q provider.MessageQuery) ([]core_domain.Message, error) {
	query := url.Values{"maxResults": {strconv.Itoa(pageSize)}}
	if q.Limit > 0 && q.Limit < pageSize {
		query.Set("maxResults", strconv.Itoa(q.Limit))
	}
	if id := a.phoneNumberIDFor(ctx, creds, q.OwnedNumberID, q.OwnedNumber); id != "" {
		query.Set("phoneNumberId", id)
	}
	for _, p := range q.Participants {
		query.Add("participants", core_domain.NormalizeE164(p))
	}
	if q.CreatedAfter != nil {
		query.Set("createdAfter", q.CreatedAfter.UTC().Format(time.RFC3339))
	}

	opts := provider.WalkOptions{}
	if q.Limit > 0 {
		opts.Enough = func(collected int) bool { return collected >= q.Limit }
	}

	dtos, err := provider.WalkPages(ctx, a.logger, opts, func(ctx context.Context, cursor string) ([]messageDTO, string, error) {
		pageQuery := url.Values{}
		for k, v := range query {
			pageQuery[k] = v
		}
		if cursor != "" {
			pageQuery.Set("pageToken", cursor)
		}
		resp, err := provider.DoWithRetry(ctx, a.logger, "list messages", func(ctx context.Context) (*messagesResponse, error) {
			var r messagesResponse
			if err := a.doJSON(ctx, creds, http.MethodGet, "/messages", pageQuery, nil, &r); err != nil {
				return nil, err
			}
			return &r, nil
		})
		if err != nil {
			return nil, "", err
		}
		return resp.Data, resp.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}

	messages := make([]core_domain.Message, 0, len(dtos))
	for _, dto := range dtos {
		messages = append(messages, a.mapMessage(q.WorkspaceID, q.OwnedNumber, dto))
	}
	if q.Limit > 0 && len(messages) > q.Limit {
		messages = messages[:q.Limit]
	}
	return messages, nil
}

func (a *Adapter) mapMessage(workspaceID uuid.UUID, ownedNumber string, dto messageDTO) core_domain.Message {
	direction := mapDirection(dto.Direction)
	from := core_domain.NormalizeE164(core_domain.StripChannel(dto.From))
	to := ""
	if len(dto.To) > 0 {
		to = core_domain.NormalizeE164(core_domain.StripChannel(dto.To[0]))
	}

	participant := from
	if direction == core_domain.DirectionOutbound {
		participant = to
	}
	owned := core_domain.NormalizeE164(ownedNumber)
	if owned == "" {
		owned = core_domain.UnknownOwnedNumber
	}

	msg := core_domain.Message{
		ID: uuid.New(),
		Key: core_domain.ConversationKey{
			WorkspaceID:       workspaceID,
			Provider:          core_domain.ProviderOpenPhone,
			OwnedNumber:       owned,
			ParticipantNumber: participant,
		},
		ProviderMessageID: dto.ID,
		Direction:         direction,
		Body:              dto.Text,
		FromNumber:        from,
		ToNumber:          to,
		Status:            mapMessageStatus(dto.Status),
		CreatedAt:         dto.CreatedAt,
	}
	for _, m := range dto.Media {
		msg.MediaURLs = append(msg.MediaURLs, m.URL)
	}
	return msg
}

type callDTO struct {
	ID           string    `json:"id"`
	Direction    string    `json:"direction"`
	Status       string    `json:"status"`
	Duration     int       `json:"duration"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	AnsweredAt   time.Time `json:"answeredAt"`
	CompletedAt  time.Time `json:"completedAt"`
	Voicemail    *struct {
		URL string `json:"url"`
	} `json:"voicemail"`
	Media []struct {
		URL string `json:"url"`
	} `json:"media"`
}

type callsResponse struct {
	Data          []callDTO `json:"data"`
	NextPageToken string    `json:"nextPageToken"`
}

func (a *Adapter) GetCalls(ctx context.Context, creds core_domain.Credentials, q provider.CallQuery) ([]core_domain.Call, error) {
	query := url.Values{"maxResults": {strconv.Itoa(pageSize)}}
	if id := a.phoneNumberIDFor(ctx, creds, q.OwnedNumberID, q.OwnedNumber); id != "" {
		query.Set("phoneNumberId", id)
	}
	if q.Participant != "" {
		query.Set("participants", core_domain.NormalizeE164(q.Participant))
	}

	opts := provider.WalkOptions{}
	if q.Limit > 0 {
		opts.Enough = func(collected int) bool { return collected >= q.Limit }
	}

	dtos, err := provider.WalkPages(ctx, a.logger, opts, func(ctx context.Context, cursor string) ([]callDTO, string, error) {
		pageQuery := url.Values{}
		for k, v := range query {
			pageQuery[k] = v
		}
		if cursor != "" {
			pageQuery.Set("pageToken", cursor)
		}
		resp, err := provider.DoWithRetry(ctx, a.logger, "list calls", func(ctx context.Context) (*callsResponse, error) {
			var r callsResponse
			if err := a.doJSON(ctx, creds, http.MethodGet, "/calls", pageQuery, nil, &r); err != nil {
				return nil, err
			}
			return &r, nil
		})
		if err != nil {
			return nil, "", err
		}
		return resp.Data, resp.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}

	owned := core_domain.NormalizeE164(q.OwnedNumber)
	if owned == "" {
		owned = core_domain.UnknownOwnedNumber
	}

	calls := make([]core_domain.Call, 0, len(dtos))
	for _, dto := range dtos {
		direction := mapDirection(dto.Direction)
		participant := core_domain.NormalizeE164(q.Participant)
		if participant == "" && len(dto.Participants) > 0 {
			participant = core_domain.NormalizeE164(dto.Participants[0])
		}

		from, to := owned, participant
		if direction == core_domain.DirectionInbound {
			from, to = participant, owned
		}

		call := core_domain.Call{
			ID: uuid.New(),
			Key: core_domain.ConversationKey{
				WorkspaceID:       q.WorkspaceID,
				Provider:          core_domain.ProviderOpenPhone,
				OwnedNumber:       owned,
				ParticipantNumber: participant,
			},
			ProviderCallID:  dto.ID,
			Direction:       direction,
			DurationSeconds: dto.Duration,
			FromNumber:      from,
			ToNumber:        to,
			Status:          mapCallStatus(dto.Status),
			StartedAt:       dto.CreatedAt,
			EndedAt:         dto.CompletedAt,
		}
		if dto.Voicemail != nil {
			call.VoicemailURL = dto.Voicemail.URL
			call.Status = core_domain.CallStatusVoicemail
		}
		if len(dto.Media) > 0 {
			call.RecordingURL = dto.Media[0].URL
		}
		calls = append(calls, call)
	}
	return calls, nil
}

type contactDTO struct {
	ID            string `json:"id"`
	DefaultFields struct {
		FirstName    string `json:"firstName"`
		LastName     string `json:"lastName"`
		PhoneNumbers []struct {
			Value string `json:"value"`
		} `json:"phoneNumbers"`
	} `json:"defaultFields"`
	CustomFields []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"customFields"`
	Notes string `json:"notes"`
}

type contactsResponse struct {
	Data          []contactDTO `json:"data"`
	NextPageToken string       `json:"nextPageToken"`
}

// GetContacts pages the full provider contact directory.
func (a *Adapter) GetContacts(ctx context.Context, creds core_domain.Credentials, workspaceID uuid.UUID) ([]core_domain.Contact, error) {
	dtos, err := provider.WalkPages(ctx, a.logger, provider.WalkOptions{}, func(ctx context.Context, cursor string) ([]contactDTO, string, error) {
		pageQuery := url.Values{"maxResults": {strconv.Itoa(pageSize)}}
		if cursor != "" {
			pageQuery.Set("pageToken", cursor)
		}
		resp, err := provider.DoWithRetry(ctx, a.logger, "list contacts", func(ctx context.Context) (*contactsResponse, error) {
			var r contactsResponse
			if err := a.doJSON(ctx, creds, http.MethodGet, "/contacts", pageQuery, nil, &r); err != nil {
				return nil, err
			}
			return &r, nil
		})
		if err != nil {
			return nil, "", err
		}
		return resp.Data, resp.NextPageToken, nil
	})
	if err != nil {
		return nil, err
	}

	contacts := make([]core_domain.Contact, 0, len(dtos))
	for _, dto := range dtos {
		contact := core_domain.Contact{
			ID:          uuid.New(),
			WorkspaceID: workspaceID,
			Provider:    core_domain.ProviderOpenPhone,
			ExternalID:  dto.ID,
			DisplayName: strings.TrimSpace(dto.DefaultFields.FirstName + " " + dto.DefaultFields.LastName),
			Notes:       dto.Notes,
		}
		for _, pn := range dto.DefaultFields.PhoneNumbers {
			e164 := core_domain.NormalizeE164(pn.Value)
			if e164 == "" {
				continue
			}
			contact.PhoneNumbers = append(contact.PhoneNumbers, e164)
			contact.LookupKeys = append(contact.LookupKeys, core_domain.LookupVariants(pn.Value)...)
		}
		if len(dto.CustomFields) > 0 {
			contact.CustomFields = make(map[string]string, len(dto.CustomFields))
			for _, cf := range dto.CustomFields {
				contact.CustomFields[cf.Name] = cf.Value
			}
		}
		contacts = append(contacts, contact)
	}
	return contacts, nil
}
