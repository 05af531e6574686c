package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
)

// RegisterWebhooks points every incoming phone number's SMS and status
// callbacks at callbackURL. Twilio has no standalone webhook resource: the
// registration ids are the phone number SIDs and the shared secret is the
// auth token, which is what X-Twilio-Signature is keyed with.
func (a *Adapter) RegisterWebhooks(ctx context.Context, creds core_domain.Credentials, callbackURL string) (*provider.WebhookRegistration, error) {
	numbers := a.GetPhoneNumbers(ctx, creds)
	if len(numbers) == 0 {
		return nil, core_domain.NewDomainError(core_domain.ErrorKindConfig, "twilio register webhooks",
			fmt.Errorf("no incoming phone numbers to attach webhooks to"))
	}

	form := url.Values{}
	form.Set("SmsUrl", callbackURL)
	form.Set("SmsMethod", "POST")
	form.Set("StatusCallback", callbackURL)
	form.Set("StatusCallbackMethod", "POST")
	form.Set("VoiceUrl", callbackURL)

	reg := &provider.WebhookRegistration{SharedSecret: creds.AuthToken}
	for sid := range numbers {
		_, err := provider.DoWithRetry(ctx, a.logger, "attach webhook", func(ctx context.Context) (struct{}, error) {
			err := a.do(ctx, creds, http.MethodPost, accountPath(creds, "/IncomingPhoneNumbers/"+sid+".json"), nil, form, nil)
			return struct{}{}, err
		})
		if err != nil {
			a.logger.WarnContext(ctx, "failed to attach webhook to number", "phone_number_sid", sid, "error", err)
			continue // partial registration still serves the numbers that took
		}
		reg.IDs = append(reg.IDs, sid)
	}
	if len(reg.IDs) == 0 {
		return nil, core_domain.NewDomainError(core_domain.ErrorKindTransient, "twilio register webhooks",
			fmt.Errorf("could not attach webhooks to any number"))
	}
	a.logger.InfoContext(ctx, "webhooks registered", "phone_number_sids", reg.IDs)
	return reg, nil
}

// DeleteWebhooks clears the callback URLs off the given phone numbers.
func (a *Adapter) DeleteWebhooks(ctx context.Context, creds core_domain.Credentials, ids []string) error {
	form := url.Values{}
	form.Set("SmsUrl", "")
	form.Set("StatusCallback", "")
	form.Set("VoiceUrl", "")

	var firstErr error
	for _, sid := range ids {
		if err := a.do(ctx, creds, http.MethodPost, accountPath(creds, "/IncomingPhoneNumbers/"+sid+".json"), nil, form, nil); err != nil {
			if core_domain.IsNotFound(err) {
				continue
			}
			a.logger.WarnContext(ctx, "failed to detach webhook", "phone_number_sid", sid, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type numberWithURLsDTO struct {
	SID    string `json:"sid"`
	SmsURL string `json:"sms_url"`
}

type numbersWithURLsResponse struct {
	IncomingPhoneNumbers []numberWithURLsDTO `json:"incoming_phone_numbers"`
	NextPageURI          string              `json:"next_page_uri"`
}

// ListWebhooks returns the SIDs of numbers that currently have a callback set.
func (a *Adapter) ListWebhooks(ctx context.Context, creds core_domain.Credentials) ([]string, error) {
	var r numbersWithURLsResponse
	if err := a.do(ctx, creds, http.MethodGet, accountPath(creds, "/IncomingPhoneNumbers.json"), nil, nil, &r); err != nil {
		return nil, err
	}
	var ids []string
	for _, pn := range r.IncomingPhoneNumbers {
		if pn.SmsURL != "" {
			ids = append(ids, pn.SID)
		}
	}
	return ids, nil
}

// DownloadRecording fetches recording media, unauthenticated first (links
// shared out of band are often public), then with Basic auth. Missing media
// is (nil, nil).
func (a *Adapter) DownloadRecording(ctx context.Context, creds core_domain.Credentials, recordingURL string) ([]byte, error) {
	fetch := func(withAuth bool) (int, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
		if err != nil {
			return 0, nil, core_domain.NewDomainError(core_domain.ErrorKindConfig, "twilio download recording", err)
		}
		if withAuth {
			req.SetBasicAuth(creds.AccountSID, creds.AuthToken)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return 0, nil, core_domain.NewDomainError(core_domain.ErrorKindTransient, "twilio download recording", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, nil, core_domain.NewDomainError(core_domain.ErrorKindTransient, "twilio download recording", err)
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
		return nil, core_domain.NewDomainError(core_domain.ErrorKindTransient, "twilio download recording",
			fmt.Errorf("unexpected status %d", status))
	}
}

type recordingsResponse struct {
	Recordings []struct {
		SID string `json:"sid"`
	} `json:"recordings"`
}

type transcriptionsResponse struct {
	Transcriptions []struct {
		Status            string `json:"status"`
		TranscriptionText string `json:"transcription_text"`
	} `json:"transcriptions"`
}

// GetCallTranscript resolves the call's recording, then its transcription.
// No recording or no transcription is absent; one still being produced is
// pending. Neither is an error.
func (a *Adapter) GetCallTranscript(ctx context.Context, creds core_domain.Credentials, callID string) (*provider.Transcript, error) {
	var recs recordingsResponse
	err := a.do(ctx, creds, http.MethodGet, accountPath(creds, "/Calls/"+callID+"/Recordings.json"), nil, nil, &recs)
	if err != nil {
		if core_domain.IsNotFound(err) {
			return &provider.Transcript{Status: provider.TranscriptAbsent}, nil
		}
		return nil, err
	}
	if len(recs.Recordings) == 0 {
		return &provider.Transcript{Status: provider.TranscriptAbsent}, nil
	}

	var trs transcriptionsResponse
	err = a.do(ctx, creds, http.MethodGet, accountPath(creds, "/Recordings/"+recs.Recordings[0].SID+"/Transcriptions.json"), nil, nil, &trs)
	if err != nil {
		if core_domain.IsNotFound(err) {
			return &provider.Transcript{Status: provider.TranscriptAbsent}, nil
		}
		return nil, err
	}
	if len(trs.Transcriptions) == 0 {
		return &provider.Transcript{Status: provider.TranscriptAbsent}, nil
	}

	tr := trs.Transcriptions[0]
	switch tr.Status {
	case "completed":
		return &provider.Transcript{Text: tr.TranscriptionText, Status: provider.TranscriptCompleted}, nil
	case "in-progress":
		return &provider.Transcript{Status: provider.TranscriptPending}, nil
	default:
		return &provider.Transcript{Status: provider.TranscriptAbsent}, nil
	}
}

// VerifyWebhookSignature checks X-Twilio-Signature: base64 HMAC-SHA1, keyed
// by the auth token, over the full callback URL concatenated with every form
// parameter name+value in sorted order.
func (a *Adapter) VerifyWebhookSignature(secret, requestURL string, header http.Header, body []byte) bool {
	sig := header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}

	params, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(requestURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params.Get(k)))
	}
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// ParseWebhook maps a form-encoded Twilio callback onto a canonical event
// through the same mapping tables the bulk path uses. Twilio pushes three
// shapes at the same URL: inbound messages (MessageSid+Body, no
// MessageStatus), outbound status callbacks (MessageStatus), and call/
// recording status callbacks (CallSid).
func (a *Adapter) ParseWebhook(workspaceID uuid.UUID, payload []byte) (*core_domain.Event, error) {
	params, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, core_domain.NewDomainError(core_domain.ErrorKindPartialData, "twilio parse webhook", err)
	}

	now := time.Now().UTC()

	if callSID := params.Get("CallSid"); callSID != "" && params.Get("MessageSid") == "" {
		direction := mapDirection(params.Get("Direction"))
		from := core_domain.NormalizeE164(params.Get("From"))
		to := core_domain.NormalizeE164(params.Get("To"))
		owned, participant := from, to
		if direction == core_domain.DirectionInbound {
			owned, participant = to, from
		}
		if owned == "" {
			owned = core_domain.UnknownOwnedNumber
		}
		duration, _ := strconv.Atoi(params.Get("CallDuration"))

		call := core_domain.Call{
			ID: uuid.New(),
			Key: core_domain.ConversationKey{
				WorkspaceID:       workspaceID,
				Provider:          core_domain.ProviderTwilio,
				OwnedNumber:       owned,
				ParticipantNumber: participant,
			},
			ProviderCallID:  callSID,
			Direction:       direction,
			DurationSeconds: duration,
			FromNumber:      from,
			ToNumber:        to,
			Status:          mapCallStatus(params.Get("CallStatus")),
			RecordingURL:    params.Get("RecordingUrl"),
			StartedAt:       now,
		}

		kind := core_domain.EventCallCompleted
		switch {
		case params.Get("RecordingSid") != "":
			kind = core_domain.EventCallRecordingCompleted
		case call.Status == core_domain.CallStatusInProgress:
			kind = core_domain.EventCallRinging
		}
		return &core_domain.Event{
			Kind:        kind,
			WorkspaceID: workspaceID,
			Provider:    core_domain.ProviderTwilio,
			Key:         call.Key,
			Call:        &call,
			OccurredAt:  now,
		}, nil
	}

	messageSID := params.Get("MessageSid")
	if messageSID == "" {
		messageSID = params.Get("SmsSid")
	}
	if messageSID == "" {
		return nil, core_domain.NewDomainError(core_domain.ErrorKindPartialData, "twilio parse webhook",
			fmt.Errorf("payload carries neither MessageSid nor CallSid"))
	}

	status := params.Get("MessageStatus")
	if status == "" {
		status = params.Get("SmsStatus")
	}

	dto := messageResourceDTO{
		SID:       messageSID,
		From:      params.Get("From"),
		To:        params.Get("To"),
		Body:      params.Get("Body"),
		Status:    status,
		Direction: "inbound",
	}
	kind := core_domain.EventMessageReceived
	switch mapMessageStatus(status) {
	case core_domain.MessageStatusDelivered:
		if status != "received" && status != "" {
			dto.Direction = "outbound-api"
			kind = core_domain.EventMessageDelivered
		}
	case core_domain.MessageStatusFailed:
		dto.Direction = "outbound-api"
		kind = core_domain.EventMessageFailed
	case core_domain.MessageStatusSent, core_domain.MessageStatusQueued:
		if status != "" {
			dto.Direction = "outbound-api"
			kind = core_domain.EventMessageDelivered
		}
	}

	msg := a.mapMessage(workspaceID, dto)
	msg.CreatedAt = now
	return &core_domain.Event{
		Kind:        kind,
		WorkspaceID: workspaceID,
		Provider:    core_domain.ProviderTwilio,
		Key:         msg.Key,
		Message:     &msg,
		OccurredAt:  now,
	}, nil
}
