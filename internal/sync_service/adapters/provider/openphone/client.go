package openphone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
)

const defaultAPIURL = "https://api.openphone.com/v1"

// Adapter talks to the OpenPhone REST API. It holds no per-tenant state;
// credentials arrive with every call.
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
		logger:     logger.With("provider", "openphone"),
		httpClient: httpClient,
		apiURL:     apiURL,
	}
}

func (a *Adapter) Name() core_domain.ProviderName { return core_domain.ProviderOpenPhone }

// doJSON issues one authenticated request and decodes the JSON response into
// out. Provider failures are translated into the error taxonomy here; nothing
// HTTP-specific escapes except RateLimitError, which the retry driver owns.
func (a *Adapter) doJSON(ctx context.Context, creds core_domain.Credentials, method, path string, query url.Values, body, out any) error {
	op := "openphone " + method + " " + path

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return core_domain.NewDomainError(core_domain.ErrorKindConfig, op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	u := a.apiURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return core_domain.NewDomainError(core_domain.ErrorKindConfig, op, err)
	}
	req.Header.Set("Authorization", creds.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
			// Unexpected shapes fail soft for the caller to log and continue.
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

type phoneNumberDTO struct {
	ID           string   `json:"id"`
	PhoneNumber  string   `json:"phoneNumber"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Compliance   string   `json:"complianceStatus"`
}

type phoneNumbersResponse struct {
	Data []phoneNumberDTO `json:"data"`
}

// GetPhoneNumbers lists owned numbers keyed by provider id. Failure is
// non-fatal: numbers enrich sync results but nothing hard-depends on them,
// so errors log and an empty map comes back.
func (a *Adapter) GetPhoneNumbers(ctx context.Context, creds core_domain.Credentials) map[string]core_domain.PhoneNumberInfo {
	out := map[string]core_domain.PhoneNumberInfo{}

	resp, err := provider.DoWithRetry(ctx, a.logger, "list phone numbers", func(ctx context.Context) (*phoneNumbersResponse, error) {
		var r phoneNumbersResponse
		if err := a.doJSON(ctx, creds, http.MethodGet, "/phone-numbers", nil, nil, &r); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		a.logger.WarnContext(ctx, "failed to list phone numbers, continuing without", "error", err)
		return out
	}

	for _, pn := range resp.Data {
		info := core_domain.PhoneNumberInfo{
			ID:               pn.ID,
			Number:           core_domain.NormalizeE164(pn.PhoneNumber),
			Name:             pn.Name,
			ComplianceStatus: pn.Compliance,
		}
		for _, c := range pn.Capabilities {
			switch c {
			case "sms":
				info.SupportsSMS = true
			case "voice":
				info.SupportsVoice = true
			case "mms":
				info.SupportsMMS = true
			}
		}
		out[pn.ID] = info
	}
	return out
}

// resolveSender returns the explicit sender or the first owned number by
// sorted id, so the default is deterministic between calls.
func (a *Adapter) resolveSender(ctx context.Context, creds core_domain.Credentials, explicit string) (string, error) {
	if explicit != "" {
		return core_domain.NormalizeE164(explicit), nil
	}
	if creds.DefaultNumber != "" {
		return core_domain.NormalizeE164(creds.DefaultNumber), nil
	}

	numbers := a.GetPhoneNumbers(ctx, creds)
	if len(numbers) == 0 {
		return "", core_domain.NewDomainError(core_domain.ErrorKindConfig, "openphone resolve sender", core_domain.ErrNoSendingNumber)
	}
	ids := make([]string, 0, len(numbers))
	for id := range numbers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return numbers[ids[0]].Number, nil
}

type sendMessageRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Content string   `json:"content"`
}

type sendMessageResponse struct {
	Data struct {
		ID        string    `json:"id"`
		Status    string    `json:"status"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"data"`
}

func (a *Adapter) SendMessage(ctx context.Context, creds core_domain.Credentials, req provider.SendRequest) (*provider.SendResult, error) {
	from, err := a.resolveSender(ctx, creds, req.From)
	if err != nil {
		return nil, err
	}
	to := core_domain.ApplyChannel(core_domain.NormalizeE164(req.To), req.Channel)

	resp, err := provider.DoWithRetry(ctx, a.logger, "send message", func(ctx context.Context) (*sendMessageResponse, error) {
		var r sendMessageResponse
		body := sendMessageRequest{From: from, To: []string{to}, Content: req.Body}
		if err := a.doJSON(ctx, creds, http.MethodPost, "/messages", nil, body, &r); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		return nil, err
	}

	sentAt := resp.Data.CreatedAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	a.logger.InfoContext(ctx, "message dispatched", "provider_message_id", resp.Data.ID, "to", to)
	return &provider.SendResult{
		ProviderMessageID: resp.Data.ID,
		From:              from,
		Status:            mapMessageStatus(resp.Data.Status),
		SentAt:            sentAt,
	}, nil
}

// InitiateCall returns handles the client can act on; the OpenPhone app (or
// web client as fallback) places the actual call.
func (a *Adapter) InitiateCall(to string) provider.CallHandle {
	e164 := core_domain.NormalizeE164(to)
	return provider.CallHandle{
		DeepLink:    "openphone://dial?number=" + url.QueryEscape(e164),
		WebFallback: "https://my.openphone.com/calls?number=" + url.QueryEscape(e164),
	}
}

// ValidateCredentials probes connectivity with the cheapest read-only call.
func (a *Adapter) ValidateCredentials(ctx context.Context, creds core_domain.Credentials) bool {
	var r phoneNumbersResponse
	err := a.doJSON(ctx, creds, http.MethodGet, "/phone-numbers", url.Values{"maxResults": {"1"}}, nil, &r)
	return err == nil
}
