package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
)

const defaultAPIURL = "https://api.twilio.com/2010-04-01"

// Adapter talks to the Twilio 2010-04-01 REST API: Basic auth, form-encoded
// writes, page URIs instead of cursors. Stateless; credentials arrive with
// every call.
type Adapter struct {
	logger     *slog.Logger
	httpClient *http.Client
	apiURL     string
}

func New(logger *slog.Logger, apiURL string, httpClient *http.Client) *Adapter {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{
		logger:     logger.With("provider", "twilio"),
		httpClient: httpClient,
		apiURL:     strings.TrimSuffix(apiURL, "/"),
	}
}

func (a *Adapter) Name() core_domain.ProviderName { return core_domain.ProviderTwilio }

// twTime handles Twilio's RFC1123Z timestamps ("Mon, 02 Jan 2006 15:04:05 +0000").
type twTime struct {
	time.Time
}

func (t *twTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC1123Z, s)
	if err != nil {
		// Some fields come back RFC3339 depending on the API surface.
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			t.Time = time.Time{}
			return nil // fail soft: a bad timestamp must not sink the record
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// accountPath prefixes a resource path with the account scope.
func accountPath(creds core_domain.Credentials, resource string) string {
	return "/Accounts/" + creds.AccountSID + resource
}

// do issues one authenticated request against a path (or a full next_page_uri
// when rawPath already carries the API version prefix) and decodes into out.
func (a *Adapter) do(ctx context.Context, creds core_domain.Credentials, method, rawPath string, query url.Values, form url.Values, out any) error {
	op := "twilio " + method + " " + rawPath

	if creds.AccountSID == "" || creds.AuthToken == "" {
		return core_domain.NewDomainError(core_domain.ErrorKindConfig, op,
			fmt.Errorf("missing account SID or auth token"))
	}

	u := a.apiURL + rawPath
	if strings.HasPrefix(rawPath, "/2010-04-01") {
		// next_page_uri values are rooted at the API host, not the version path.
		u = strings.TrimSuffix(a.apiURL, "/2010-04-01") + rawPath
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return core_domain.NewDomainError(core_domain.ErrorKindConfig, op, err)
	}
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return core_domain.NewDomainError(core_domain.ErrorKindTransient, op, err)
	}
	defer resp.Body.Close()

	if rle := provider.RateLimitFromResponse(resp); rle != nil {
		return rle
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return core_domain.NewDomainError(core_domain.ErrorKindPartialData, op,
				fmt.Errorf("unexpected response shape: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core_domain.NewDomainError(core_domain.ErrorKindConfig, op,
			fmt.Errorf("authentication rejected (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return core_domain.NewDomainError(core_domain.ErrorKindNotFound, op,
			fmt.Errorf("resource not found"))
	case resp.StatusCode >= 500:
		return core_domain.NewDomainError(core_domain.ErrorKindTransient, op,
			fmt.Errorf("provider error (status %d)", resp.StatusCode))
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return core_domain.NewDomainError(core_domain.ErrorKindPartialData, op,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw)))
	}
}

type incomingPhoneNumberDTO struct {
	SID          string `json:"sid"`
	PhoneNumber  string `json:"phone_number"`
	FriendlyName string `json:"friendly_name"`
	Capabilities struct {
		Voice bool `json:"voice"`
		SMS   bool `json:"sms"`
		MMS   bool `json:"mms"`
	} `json:"capabilities"`
	Status string `json:"status"`
}

type incomingPhoneNumbersResponse struct {
	IncomingPhoneNumbers []incomingPhoneNumberDTO `json:"incoming_phone_numbers"`
	NextPageURI          string                   `json:"next_page_uri"`
}

// GetPhoneNumbers lists account numbers keyed by SID. Failures log and
// return an empty map; numbers are an enrichment, not a hard dependency.
func (a *Adapter) GetPhoneNumbers(ctx context.Context, creds core_domain.Credentials) map[string]core_domain.PhoneNumberInfo {
	out := map[string]core_domain.PhoneNumberInfo{}

	dtos, err := provider.WalkPages(ctx, a.logger, provider.WalkOptions{}, func(ctx context.Context, cursor string) ([]incomingPhoneNumberDTO, string, error) {
		path := accountPath(creds, "/IncomingPhoneNumbers.json")
		if cursor != "" {
			path = cursor
		}
		resp, err := provider.DoWithRetry(ctx, a.logger, "list incoming phone numbers", func(ctx context.Context) (*incomingPhoneNumbersResponse, error) {
			var r incomingPhoneNumbersResponse
			if err := a.do(ctx, creds, http.MethodGet, path, nil, nil, &r); err != nil {
				return nil, err
			}
			return &r, nil
		})
		if err != nil {
			return nil, "", err
		}
		return resp.IncomingPhoneNumbers, resp.NextPageURI, nil
	})
	if err != nil {
		a.logger.WarnContext(ctx, "failed to list phone numbers, continuing without", "error", err)
		return out
	}

	for _, pn := range dtos {
		out[pn.SID] = core_domain.PhoneNumberInfo{
			ID:               pn.SID,
			Number:           core_domain.NormalizeE164(pn.PhoneNumber),
			Name:             pn.FriendlyName,
			SupportsSMS:      pn.Capabilities.SMS,
			SupportsVoice:    pn.Capabilities.Voice,
			SupportsMMS:      pn.Capabilities.MMS,
			ComplianceStatus: pn.Status,
		}
	}
	return out
}

func (a *Adapter) resolveSender(ctx context.Context, creds core_domain.Credentials, explicit string) (string, error) {
	if explicit != "" {
		return core_domain.NormalizeE164(explicit), nil
	}
	if creds.DefaultNumber != "" {
		return core_domain.NormalizeE164(creds.DefaultNumber), nil
	}

	numbers := a.GetPhoneNumbers(ctx, creds)
	if len(numbers) == 0 {
		return "", core_domain.NewDomainError(core_domain.ErrorKindConfig, "twilio resolve sender", core_domain.ErrNoSendingNumber)
	}
	sids := make([]string, 0, len(numbers))
	for sid := range numbers {
		sids = append(sids, sid)
	}
	sort.Strings(sids)
	return numbers[sids[0]].Number, nil
}

type messageResourceDTO struct {
	SID         string `json:"sid"`
	From        string `json:"from"`
	To          string `json:"to"`
	Body        string `json:"body"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	DateCreated twTime `json:"date_created"`
	DateSent    twTime `json:"date_sent"`
	NumMedia    string `json:"num_media"`
}

func (a *Adapter) SendMessage(ctx context.Context, creds core_domain.Credentials, req provider.SendRequest) (*provider.SendResult, error) {
	from, err := a.resolveSender(ctx, creds, req.From)
	if err != nil {
		return nil, err
	}
	to := core_domain.ApplyChannel(core_domain.NormalizeE164(req.To), req.Channel)
	ownedNumber := from
	// Channel-prefixed sends need a matching sender address.
	from = core_domain.ApplyChannel(from, req.Channel)

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", req.Body)

	resp, err := provider.DoWithRetry(ctx, a.logger, "send message", func(ctx context.Context) (*messageResourceDTO, error) {
		var r messageResourceDTO
		if err := a.do(ctx, creds, http.MethodPost, accountPath(creds, "/Messages.json"), nil, form, &r); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		return nil, err
	}

	sentAt := resp.DateCreated.Time
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	a.logger.InfoContext(ctx, "message dispatched", "provider_message_id", resp.SID, "to", to)
	return &provider.SendResult{
		ProviderMessageID: resp.SID,
		From:              ownedNumber,
		Status:            mapMessageStatus(resp.Status),
		SentAt:            sentAt,
	}, nil
}

// InitiateCall returns client-actionable handles only.
func (a *Adapter) InitiateCall(to string) provider.CallHandle {
	e164 := core_domain.NormalizeE164(to)
	return provider.CallHandle{
		DeepLink:    "tel:" + e164,
		WebFallback: "https://www.twilio.com/console/voice/dialer?to=" + url.QueryEscape(e164),
	}
}

// ValidateCredentials probes the account with the cheapest read-only call.
func (a *Adapter) ValidateCredentials(ctx context.Context, creds core_domain.Credentials) bool {
	var r incomingPhoneNumbersResponse
	err := a.do(ctx, creds, http.MethodGet, accountPath(creds, "/IncomingPhoneNumbers.json"), url.Values{"PageSize": {"1"}}, nil, &r)
	return err == nil
}
