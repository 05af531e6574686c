package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/platform/messagebroker"
	"github.com/commsync/commsync/internal/webhook_service/domain"
)

const (
	// DispatcherQueueGroup shares event traffic across service instances so a
	// tenant endpoint sees each event once.
	DispatcherQueueGroup = "webhook-dispatchers"
	// SignatureHeader carries the delivery signature:
	// "t=<unix>,v1=<hex hmac-sha256(secret, t + '.' + body)>".
	SignatureHeader = "X-Commsync-Signature"

	deliveryTimeout = 10 * time.Second
)

// Dispatcher fans canonical events out to tenant webhook subscriptions,
// signing each delivery so receivers can authenticate it.
type Dispatcher struct {
	broker        messagebroker.NATSClient
	subscriptions domain.SubscriptionRepository
	httpClient    *http.Client
	logger        *slog.Logger
	now           func() time.Time
}

func NewDispatcher(broker messagebroker.NATSClient, subscriptions domain.SubscriptionRepository, httpClient *http.Client, logger *slog.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: deliveryTimeout}
	}
	return &Dispatcher{
		broker:        broker,
		subscriptions: subscriptions,
		httpClient:    httpClient,
		logger:        logger.With("component", "dispatcher"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes to every workspace's event subject.
func (d *Dispatcher) Start(ctx context.Context) (messagebroker.Subscription, error) {
	subject := core_domain.EventSubjectPrefix + ".>"
	d.logger.InfoContext(ctx, "Starting event fanout subscription", "subject", subject, "queue_group", DispatcherQueueGroup)
	return d.broker.SubscribeToSubjectWithQueue(ctx, subject, DispatcherQueueGroup, func(msg messagebroker.Message) {
		if err := d.Handle(ctx, msg.Subject(), msg.Data()); err != nil {
			d.logger.ErrorContext(ctx, "Failed to dispatch event", "subject", msg.Subject(), "error", err)
		}
	})
}

// Handle fans one event out to the workspace's subscriptions. A failing
// endpoint never blocks the others; failures are recorded per subscription.
func (d *Dispatcher) Handle(ctx context.Context, subject string, payload []byte) error {
	workspaceRaw := strings.TrimPrefix(subject, core_domain.EventSubjectPrefix+".")
	workspaceID, err := uuid.Parse(workspaceRaw)
	if err != nil {
		return fmt.Errorf("unroutable event subject %s: %w", subject, err)
	}

	subs, err := d.subscriptions.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	for i := range subs {
		d.deliver(ctx, &subs[i], payload)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *domain.Subscription, payload []byte) {
	status, err := d.post(ctx, sub, payload)
	ok := err == nil && status >= 200 && status < 300
	if !ok {
		d.logger.WarnContext(ctx, "Delivery failed", "subscription_id", sub.ID, "url", sub.URL, "status", status, "error", err)
	}
	if recErr := d.subscriptions.RecordDelivery(ctx, sub.ID, d.now(), ok); recErr != nil {
		d.logger.ErrorContext(ctx, "Failed to record delivery outcome", "subscription_id", sub.ID, "error", recErr)
	}
}

// post returns the endpoint's HTTP status; err is non-nil only when the
// request never produced a response.
func (d *Dispatcher) post(ctx context.Context, sub *domain.Subscription, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, payload, d.now()))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// DeliveryResult reports the outcome of one test delivery: the endpoint's
// HTTP status (0 when the endpoint was unreachable) and whether the delivery
// counts as successful.
type DeliveryResult struct {
	StatusCode int  `json:"status"`
	OK         bool `json:"ok"`
}

// TestDelivery sends a synthetic ping event to one subscription and reports
// the endpoint's response, so an operator can verify an endpoint without
// waiting for real traffic. An unreachable endpoint is a result, not an
// error; the error return is reserved for unknown subscriptions.
func (d *Dispatcher) TestDelivery(ctx context.Context, subscriptionID uuid.UUID) (*DeliveryResult, error) {
	sub, err := d.subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]any{
		"kind":        "ping",
		"workspaceId": sub.WorkspaceID,
		"occurredAt":  d.now(),
	})
	if err != nil {
		return nil, err
	}
	status, postErr := d.post(ctx, sub, payload)
	result := &DeliveryResult{
		StatusCode: status,
		OK:         postErr == nil && status >= 200 && status < 300,
	}
	if postErr != nil {
		d.logger.WarnContext(ctx, "Test delivery could not reach endpoint", "subscription_id", sub.ID, "url", sub.URL, "error", postErr)
	}
	if recErr := d.subscriptions.RecordDelivery(ctx, sub.ID, d.now(), result.OK); recErr != nil {
		d.logger.ErrorContext(ctx, "Failed to record test delivery outcome", "subscription_id", sub.ID, "error", recErr)
	}
	return result, nil
}

// Sign produces the delivery signature for a payload at a point in time.
func Sign(secret string, payload []byte, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks a delivery signature produced by Sign. Receivers
// should also bound the timestamp's age themselves.
func VerifySignature(secret, header string, payload []byte) bool {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		switch {
		case strings.HasPrefix(part, "t="):
			ts = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v1="):
			v1 = strings.TrimPrefix(part, "v1=")
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(v1))
}
