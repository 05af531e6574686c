package twilio

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
)

const pageSize = 50

type messagesPageResponse struct {
	Messages    []messageResourceDTO `json:"messages"`
	NextPageURI string               `json:"next_page_uri"`
}

// walkMessages pages Messages.json with the given filters.
func (a *Adapter) walkMessages(ctx context.Context, creds core_domain.Credentials, filters url.Values, opts provider.WalkOptions) ([]messageResourceDTO, error) {
	return provider.WalkPages(ctx, a.logger, opts, func(ctx context.Context, cursor string) ([]messageResourceDTO, string, error) {
		path := accountPath(creds, "/Messages.json")
		query := url.Values{}
		if cursor != "" {
			// next_page_uri already encodes the filters.
			path = cursor
		} else {
			for k, v := range filters {
				query[k] = v
			}
			query.Set("PageSize", strconv.Itoa(pageSize))
		}
		resp, err := provider.DoWithRetry(ctx, a.logger, "list messages", func(ctx context.Context) (*messagesPageResponse, error) {
			var r messagesPageResponse
			if err := a.do(ctx, creds, http.MethodGet, path, query, nil, &r); err != nil {
				return nil, err
			}
			return &r, nil
		})
		if err != nil {
			return nil, "", err
		}
		return resp.Messages, resp.NextPageURI, nil
	})
}

// messageTimestamp prefers date_sent and falls back to date_created.
func messageTimestamp(dto messageResourceDTO) time.Time {
	if !dto.DateSent.IsZero() {
		return dto.DateSent.Time
	}
	return dto.DateCreated.Time
}

// pairFor splits a message into its owned/participant sides.
func pairFor(dto messageResourceDTO) (owned, participant string) {
	from := core_domain.NormalizeE164(core_domain.StripChannel(dto.From))
	to := core_domain.NormalizeE164(core_domain.StripChannel(dto.To))
	if mapDirection(dto.Direction) == core_domain.DirectionInbound {
		return to, from
	}
	return from, to
}

// GetConversations derives conversations from the message log: Twilio has no
// native conversation objects, so the (owned number, participant) pair is the
// conversation key and its latest message supplies the activity timestamp.
func (a *Adapter) GetConversations(ctx context.Context, creds core_domain.Credentials, q provider.ConversationQuery) ([]core_domain.Conversation, error) {
	baseFilters := url.Values{}
	if q.Since != nil {
		baseFilters.Set("DateSent>", q.Since.UTC().Format("2006-01-02"))
	}

	filterNumber := ""
	if q.PhoneNumberFilter != "" {
		filterNumber = core_domain.NormalizeE164(q.PhoneNumberFilter)
	}

	// With an owned-number filter both directions need their own walk; the
	// API matches To and From exactly, one side at a time.
	var filterSets []url.Values
	if filterNumber != "" {
		toUs := url.Values{}
		fromUs := url.Values{}
		for k, v := range baseFilters {
			toUs[k] = v
			fromUs[k] = v
		}
		toUs.Set("To", filterNumber)
		fromUs.Set("From", filterNumber)
		filterSets = []url.Values{toUs, fromUs}
	} else {
		filterSets = []url.Values{baseFilters}
	}

	var all []messageResourceDTO
	for _, filters := range filterSets {
		dtos, err := a.walkMessages(ctx, creds, filters, provider.WalkOptions{})
		if err != nil {
			if len(all) == 0 && len(dtos) == 0 {
				return nil, err
			}
			// Keep what one direction already produced.
			a.logger.WarnContext(ctx, "message listing failed mid-walk, keeping partial results", "error", err)
		}
		all = append(all, dtos...)
	}

	type pairKey struct{ owned, participant string }
	byPair := map[pairKey]*core_domain.Conversation{}

	for _, dto := range all {
		owned, participant := pairFor(dto)
		if owned == "" {
			owned = core_domain.UnknownOwnedNumber
		}
		key := pairKey{owned: owned, participant: participant}
		ts := messageTimestamp(dto)

		conv, ok := byPair[key]
		if !ok {
			conv = &core_domain.Conversation{
				ID: uuid.New(),
				Key: core_domain.ConversationKey{
					WorkspaceID:       q.WorkspaceID,
					Provider:          core_domain.ProviderTwilio,
					OwnedNumber:       owned,
					ParticipantNumber: participant,
				},
				CreatedAt: ts,
			}
			byPair[key] = conv
		}
		if ts.Before(conv.CreatedAt) {
			conv.CreatedAt = ts
		}
		if ts.After(conv.LastMessageAt) {
			conv.LastMessageAt = ts
			conv.LastMessagePreview = dto.Body
			conv.LastMessageDirection = mapDirection(dto.Direction)
		}
	}

	conversations := make([]core_domain.Conversation, 0, len(byPair))
	for _, conv := range byPair {
		conversations = append(conversations, *conv)
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastMessageAt.After(conversations[j].LastMessageAt)
	})
	if q.Limit > 0 && len(conversations) > q.Limit {
		conversations = conversations[:q.Limit]
	}
	return conversations, nil
}

func (a *Adapter) GetMessages(ctx context.Context, creds core_domain.Credentials, q provider.MessageQuery) ([]core_domain.Message, error) {
	owned := core_domain.NormalizeE164(q.OwnedNumber)
	participant := ""
	if len(q.Participants) > 0 {
		participant = core_domain.NormalizeE164(q.Participants[0])
	}

	base := url.Values{}
	if q.CreatedAfter != nil {
		base.Set("DateSent>", q.CreatedAfter.UTC().Format("2006-01-02"))
	}

	inbound := url.Values{"To": {owned}, "From": {participant}}
	outbound := url.Values{"To": {participant}, "From": {owned}}
	for k, v := range base {
		inbound[k] = v
		outbound[k] = v
	}

	opts := provider.WalkOptions{}
	if q.Limit > 0 {
		opts.Enough = func(collected int) bool { return collected >= q.Limit }
	}

	var dtos []messageResourceDTO
	for _, filters := range []url.Values{inbound, outbound} {
		part, err := a.walkMessages(ctx, creds, filters, opts)
		if err != nil {
			return nil, err
		}
		dtos = append(dtos, part...)
	}

	messages := make([]core_domain.Message, 0, len(dtos))
	for _, dto := range dtos {
		messages = append(messages, a.mapMessage(q.WorkspaceID, dto))
	}
	// Most recent first across both directions.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})
	if q.Limit > 0 && len(messages) > q.Limit {
		messages = messages[:q.Limit]
	}
	return messages, nil
}

func (a *Adapter) mapMessage(workspaceID uuid.UUID, dto messageResourceDTO) core_domain.Message {
	owned, participant := pairFor(dto)
	if owned == "" {
		owned = core_domain.UnknownOwnedNumber
	}

	return core_domain.Message{
		ID: uuid.New(),
		Key: core_domain.ConversationKey{
			WorkspaceID:       workspaceID,
			Provider:          core_domain.ProviderTwilio,
			OwnedNumber:       owned,
			ParticipantNumber: participant,
		},
		ProviderMessageID: dto.SID,
		Direction:         mapDirection(dto.Direction),
		Body:              dto.Body,
		FromNumber:        core_domain.NormalizeE164(core_domain.StripChannel(dto.From)),
		ToNumber:          core_domain.NormalizeE164(core_domain.StripChannel(dto.To)),
		Status:            mapMessageStatus(dto.Status),
		CreatedAt:         messageTimestamp(dto),
	}
}

type callResourceDTO struct {
	SID       string `json:"sid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Duration  string `json:"duration"`
	StartTime twTime `json:"start_time"`
	EndTime   twTime `json:"end_time"`
}

type callsPageResponse struct {
	Calls       []callResourceDTO `json:"calls"`
	NextPageURI string            `json:"next_page_uri"`
}

func (a *Adapter) GetCalls(ctx context.Context, creds core_domain.Credentials, q provider.CallQuery) ([]core_domain.Call, error) {
	owned := core_domain.NormalizeE164(q.OwnedNumber)
	participant := core_domain.NormalizeE164(q.Participant)

	inbound := url.Values{"To": {owned}, "From": {participant}}
	outbound := url.Values{"To": {participant}, "From": {owned}}

	opts := provider.WalkOptions{}
	if q.Limit > 0 {
		opts.Enough = func(collected int) bool { return collected >= q.Limit }
	}

	var dtos []callResourceDTO
	for _, filters := range []url.Values{inbound, outbound} {
		part, err := provider.WalkPages(ctx, a.logger, opts, func(ctx context.Context, cursor string) ([]callResourceDTO, string, error) {
			path := accountPath(creds, "/Calls.json")
			query := url.Values{}
			if cursor != "" {
				path = cursor
			} else {
				for k, v := range filters {
					query[k] = v
				}
				query.Set("PageSize", strconv.Itoa(pageSize))
			}
			resp, err := provider.DoWithRetry(ctx, a.logger, "list calls", func(ctx context.Context) (*callsPageResponse, error) {
				var r callsPageResponse
				if err := a.do(ctx, creds, http.MethodGet, path, query, nil, &r); err != nil {
					return nil, err
				}
				return &r, nil
			})
			if err != nil {
				return nil, "", err
			}
			return resp.Calls, resp.NextPageURI, nil
		})
		if err != nil {
			return nil, err
		}
		dtos = append(dtos, part...)
	}

	if owned == "" {
		owned = core_domain.UnknownOwnedNumber
	}

	calls := make([]core_domain.Call, 0, len(dtos))
	for _, dto := range dtos {
		duration, _ := strconv.Atoi(dto.Duration)
		direction := mapDirection(dto.Direction)
		status := mapCallStatus(dto.Status)
		// An unanswered inbound call is a miss, not a cancel.
		if direction == core_domain.DirectionInbound && status == core_domain.CallStatusCancelled {
			status = core_domain.CallStatusMissed
		}

		calls = append(calls, core_domain.Call{
			ID: uuid.New(),
			Key: core_domain.ConversationKey{
				WorkspaceID:       q.WorkspaceID,
				Provider:          core_domain.ProviderTwilio,
				OwnedNumber:       owned,
				ParticipantNumber: participant,
			},
			ProviderCallID:  dto.SID,
			Direction:       direction,
			DurationSeconds: duration,
			FromNumber:      core_domain.NormalizeE164(dto.From),
			ToNumber:        core_domain.NormalizeE164(dto.To),
			Status:          status,
			StartedAt:       dto.StartTime.Time,
			EndedAt:         dto.EndTime.Time,
		})
	}
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].StartedAt.After(calls[j].StartedAt)
	})
	if q.Limit > 0 && len(calls) > q.Limit {
		calls = calls[:q.Limit]
	}
	return calls, nil
}

// GetContacts returns empty: Twilio exposes no contact directory. Contacts
// for Twilio tenants are derived from conversation participants instead.
func (a *Adapter) GetContacts(ctx context.Context, creds core_domain.Credentials, workspaceID uuid.UUID) ([]core_domain.Contact, error) {
	a.logger.DebugContext(ctx, "twilio has no contact directory; skipping")
	return nil, nil
}
