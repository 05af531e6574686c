package openphone

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
)

var webhookEventSets = []struct {
	path   string
	events []string
}{
	{path: "/webhooks/messages", events: []string{"message.received", "message.delivered"}},
	{path: "/webhooks/calls", events: []string{"call.completed", "call.recording.completed", "call.ringing"}},
}

type webhookCreateResponse struct {
	Data struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	} `json:"data"`
}

// RegisterWebhooks creates message and call webhooks pointing at callbackURL.
// OpenPhone issues one signing key per webhook; the first one returned is the
// shared secret the receiver verifies with.
func (a *Adapter) RegisterWebhooks(ctx context.Context, creds core_domain.Credentials, callbackURL string) (*provider.WebhookRegistration, error) {
	reg := &provider.WebhookRegistration{}
	for _, set := range webhookEventSets {
		body := map[string]any{"url": callbackURL, "events": set.events}
		resp, err := provider.DoWithRetry(ctx, a.logger, "register webhook", func(ctx context.Context) (*webhookCreateResponse, error) {
			var r webhookCreateResponse
			if err := a.doJSON(ctx, creds, http.MethodPost, set.path, nil, body, &r); err != nil {
				return nil, err
			}
			return &r, nil
		})
		if err != nil {
			// Roll back any webhook already created so registration is all-or-nothing.
			if len(reg.IDs) > 0 {
				_ = a.DeleteWebhooks(ctx, creds, reg.IDs)
			}
			return nil, err
		}
		reg.IDs = append(reg.IDs, resp.Data.ID)
		if reg.SharedSecret == "" {
			reg.SharedSecret = resp.Data.Key
		}
	}
	a.logger.InfoContext(ctx, "webhooks registered", "ids", reg.IDs)
	return reg, nil
}

func (a *Adapter) DeleteWebhooks(ctx context.Context, creds core_domain.Credentials, ids []string) error {
	var firstErr error
	for _, id := range ids {
		if err := a.doJSON(ctx, creds, http.MethodDelete, "/webhooks/"+id, nil, nil, nil); err != nil {
			if core_domain.IsNotFound(err) {
				continue // already gone
			}
			a.logger.WarnContext(ctx, "failed to delete webhook", "webhook_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type webhookListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *Adapter) ListWebhooks(ctx context.Context, creds core_domain.Credentials) ([]string, error) {
	var r webhookListResponse
	if err := a.doJSON(ctx, creds, http.MethodGet, "/webhooks", nil, nil, &r); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(r.Data))
	for _, w := range r.Data {
		ids = append(ids, w.ID)
	}
	return ids, nil
}

// DownloadRecording fetches recording bytes. Recording URLs are usually
// pre-signed, so the bare fetch is tried first and the API-key retry covers
// URLs that have expired back to requiring auth. A missing recording is
// (nil, nil), not an error.
func (a *Adapter) DownloadRecording(ctx context.Context, creds core_domain.Credentials, recordingURL string) ([]byte, error) {
	fetch := func(withAuth bool) (int, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
		if err != nil {
			return 0, nil, core_domain.NewDomainError(core_domain.ErrorKindConfig, "openphone download recording", err)
		}
		if withAuth {
			req.Header.Set("Authorization", creds.APIKey)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return 0, nil, core_domain.NewDomainError(core_domain.ErrorKindTransient, "openphone download recording", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, nil, core_domain.NewDomainError(core_domain.ErrorKindTransient, "openphone download recording", err)
		}
		return resp.StatusCode, data, nil
	}

	status, data, err := fetch(false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		status, data, err = fetch(true)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case status >= 200 && status < 300:
		return data, nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return nil, nil
	default:
		return nil, core_domain.NewDomainError(core_domain.ErrorKindTransient, "openphone download recording",
			fmt.Errorf("unexpected status %d", status))
	}
}

type transcriptResponse struct {
	Data struct {
		Status   string `json:"status"`
		Dialogue []struct {
			Identifier string `json:"identifier"`
			Content    string `json:"content"`
		} `json:"dialogue"`
	} `json:"data"`
}

// GetCallTranscript looks up a call transcript. Pending and absent are
// normal results, never errors.
func (a *Adapter) GetCallTranscript(ctx context.Context, creds core_domain.Credentials, callID string) (*provider.Transcript, error) {
	var r transcriptResponse
	err := a.doJSON(ctx, creds, http.MethodGet, "/call-transcripts/"+callID, nil, nil, &r)
	if err != nil {
		if core_domain.IsNotFound(err) {
			return &provider.Transcript{Status: provider.TranscriptAbsent}, nil
		}
		return nil, err
	}

	switch r.Data.Status {
	case "completed":
		lines := make([]string, 0, len(r.Data.Dialogue))
		for _, d := range r.Data.Dialogue {
			if d.Identifier != "" {
				lines = append(lines, d.Identifier+": "+d.Content)
			} else {
				lines = append(lines, d.Content)
			}
		}
		return &provider.Transcript{Text: strings.Join(lines, "\n"), Status: provider.TranscriptCompleted}, nil
	case "in-progress", "processing":
		return &provider.Transcript{Status: provider.TranscriptPending}, nil
	default:
		return &provider.Transcript{Status: provider.TranscriptAbsent}, nil
	}
}

// VerifyWebhookSignature checks the openphone-signature header:
// "hmac;1;<timestamp>;<base64 digest>" where the digest is HMAC-SHA256 of
// "<timestamp>.<body>" keyed by the base64-decoded signing key. The request
// URL is not part of OpenPhone's scheme and is ignored.
func (a *Adapter) VerifyWebhookSignature(secret, requestURL string, header http.Header, body []byte) bool {
	sig := header.Get("openphone-signature")
	parts := strings.Split(sig, ";")
	if len(parts) != 4 || parts[0] != "hmac" {
		return false
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		key = []byte(secret)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(parts[2]))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(parts[3]))
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseWebhook maps a raw OpenPhone push payload onto a canonical event,
// reusing the exact mapping tables the bulk sync path uses.
func (a *Adapter) ParseWebhook(workspaceID uuid.UUID, payload []byte) (*core_domain.Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, core_domain.NewDomainError(core_domain.ErrorKindPartialData, "openphone parse webhook", err)
	}

	switch {
	case strings.HasPrefix(env.Type, "message."):
		var dto messageDTO
		if err := json.Unmarshal(env.Data.Object, &dto); err != nil {
			return nil, core_domain.NewDomainError(core_domain.ErrorKindPartialData, "openphone parse webhook", err)
		}
		owned := webhookOwnedNumber(dto)
		msg := a.mapMessage(workspaceID, owned, dto)

		// Inbound pushes are receipts regardless of provider status wording;
		// outbound pushes report delivery progress.
		kind := core_domain.EventMessageReceived
		if msg.Direction == core_domain.DirectionOutbound {
			switch msg.Status {
			case core_domain.MessageStatusFailed:
				kind = core_domain.EventMessageFailed
			default:
				kind = core_domain.EventMessageDelivered
			}
		}
		return &core_domain.Event{
			Kind:        kind,
			WorkspaceID: workspaceID,
			Provider:    core_domain.ProviderOpenPhone,
			Key:         msg.Key,
			Message:     &msg,
			OccurredAt:  occurredAt(msg.CreatedAt),
		}, nil

	case strings.HasPrefix(env.Type, "call."):
		var dto webhookCallDTO
		if err := json.Unmarshal(env.Data.Object, &dto); err != nil {
			return nil, core_domain.NewDomainError(core_domain.ErrorKindPartialData, "openphone parse webhook", err)
		}
		call := dto.toCall(workspaceID)

		kind := core_domain.EventCallCompleted
		switch env.Type {
		case "call.ringing":
			kind = core_domain.EventCallRinging
		case "call.recording.completed":
			kind = core_domain.EventCallRecordingCompleted
		}
		return &core_domain.Event{
			Kind:        kind,
			WorkspaceID: workspaceID,
			Provider:    core_domain.ProviderOpenPhone,
			Key:         call.Key,
			Call:        &call,
			OccurredAt:  occurredAt(call.StartedAt),
		}, nil

	default:
		return nil, core_domain.NewDomainError(core_domain.ErrorKindPartialData, "openphone parse webhook",
			fmt.Errorf("unhandled webhook type %q", env.Type))
	}
}

// webhookOwnedNumber derives the workspace-owned side of a pushed message
// from its direction, so no extra phone-number lookup is needed.
func webhookOwnedNumber(dto messageDTO) string {
	if mapDirection(dto.Direction) == core_domain.DirectionInbound {
		if len(dto.To) > 0 {
			return dto.To[0]
		}
		return ""
	}
	return dto.From
}

type webhookCallDTO struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	Duration  int       `json:"duration"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"createdAt"`
	EndedAt   time.Time `json:"completedAt"`
	Media     []struct {
		URL string `json:"url"`
	} `json:"media"`
	Voicemail *struct {
		URL string `json:"url"`
	} `json:"voicemail"`
}

func (dto webhookCallDTO) toCall(workspaceID uuid.UUID) core_domain.Call {
	direction := mapDirection(dto.Direction)
	from := core_domain.NormalizeE164(dto.From)
	to := core_domain.NormalizeE164(dto.To)

	owned, participant := from, to
	if direction == core_domain.DirectionInbound {
		owned, participant = to, from
	}
	if owned == "" {
		owned = core_domain.UnknownOwnedNumber
	}

	call := core_domain.Call{
		ID: uuid.New(),
		Key: core_domain.ConversationKey{
			WorkspaceID:       workspaceID,
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
		EndedAt:         dto.EndedAt,
	}
	if dto.Voicemail != nil {
		call.VoicemailURL = dto.Voicemail.URL
		call.Status = core_domain.CallStatusVoicemail
	}
	if len(dto.Media) > 0 {
		call.RecordingURL = dto.Media[0].URL
	}
	return call
}

func occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
